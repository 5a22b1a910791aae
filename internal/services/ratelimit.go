package services

import (
	"context"
	"fmt"
	"time"

	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope selects which sliding window a request is counted against.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
	ScopeAPIKey Scope = "api-key"
)

// Decision is the admission result returned to the gateway.
type Decision struct {
	Admitted   bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is the broker-backed sliding-window admission control. Each
// check runs as one pipelined broker operation; when the broker is
// unreachable the limiter fails open (configurable) and reports the outage
// to the resilience manager.
type RateLimiter struct {
	manager *broker.Manager
	cfg     *config.RateLimitConfig
}

// NewRateLimiter creates a limiter over the shared broker manager.
func NewRateLimiter(cfg *config.RateLimitConfig, manager *broker.Manager) (*RateLimiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rate limit config cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("broker manager cannot be nil")
	}
	return &RateLimiter{manager: manager, cfg: cfg}, nil
}

func (rl *RateLimiter) limitFor(scope Scope) (int, time.Duration, error) {
	switch scope {
	case ScopeIP:
		return rl.cfg.IPLimit, rl.cfg.IPWindow, nil
	case ScopeUser:
		return rl.cfg.UserLimit, rl.cfg.UserWindow, nil
	case ScopeAPIKey:
		return rl.cfg.APIKeyLimit, rl.cfg.APIWindow, nil
	default:
		return 0, 0, fmt.Errorf("unknown rate limit scope: %s", scope)
	}
}

// Allow counts one request against the window for (scope, identifier) and
// returns the admission decision. Rejections carry a *models.RateLimitError
// so callers can surface the retry-after hint. Rejected requests still
// occupy a window slot, so the bucket accounting is identical either way.
func (rl *RateLimiter) Allow(ctx context.Context, scope Scope, identifier string) (Decision, error) {
	if identifier == "" {
		return Decision{}, fmt.Errorf("identifier cannot be empty")
	}
	limit, window, err := rl.limitFor(scope)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now()
	key := models.RateLimitKey(string(scope), identifier)

	count, oldest, err := rl.manager.WindowAdmit(ctx, key, now, window, uuid.New().String())
	if err != nil {
		utils.Warn("Rate limit check failed, broker unavailable",
			zap.String("scope", string(scope)),
			zap.String("identifier", identifier),
			zap.Bool("fail_open", rl.cfg.FailOpen),
			zap.Error(err))
		if rl.cfg.FailOpen {
			return Decision{Admitted: true, Remaining: limit}, nil
		}
		return Decision{}, fmt.Errorf("%w: rate limit check failed", models.ErrBrokerUnavailable)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > limit {
		retryAfter := window
		if !oldest.IsZero() {
			retryAfter = oldest.Add(window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Decision{Admitted: false, Remaining: remaining, RetryAfter: retryAfter},
			&models.RateLimitError{Scope: string(scope), Remaining: remaining, RetryAfter: retryAfter}
	}

	return Decision{Admitted: true, Remaining: remaining}, nil
}
