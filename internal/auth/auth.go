// Package auth validates the identity claims presented during the
// WebSocket handshake. Token issuance lives in the external auth service;
// this package only verifies what it receives.
package auth

import (
	"fmt"
	"time"

	"chat-gateway/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the validated identity attached to a connection.
type Claims struct {
	UserID    string
	DeviceID  string
	Platform  string
	ExpiresAt time.Time
}

// Validator checks a bearer token and returns the claims it carries.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// MembershipChecker answers whether a user belongs to a room. Backed by
// persistence outside this subsystem.
type MembershipChecker interface {
	IsRoomMember(userID, roomID string) (bool, error)
}

type tokenClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HMAC-signed tokens issued by the auth service.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for the given shared secret.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}, nil
}

// Validate parses and verifies a token, rejecting bad signatures, wrong
// issuers, and expired claims.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", models.ErrAuth)
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", models.ErrAuth)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", models.ErrAuth)
	}

	out := &Claims{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
		Platform: claims.Platform,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
