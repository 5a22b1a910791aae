package models

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the gateway. Nothing here is fatal to the process;
// each error names the blast radius of the failure it reports.
var (
	// ErrAuth rejects a handshake or frame; other connections are unaffected.
	ErrAuth = errors.New("authentication failed")

	// ErrProtocol marks a malformed frame; the offending connection is closed.
	ErrProtocol = errors.New("protocol violation")

	// ErrRateLimited rejects one request; the connection stays open.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBrokerUnavailable reports a publish dropped because the broker is
	// down and the outage buffer is full.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrDeliveryExhausted marks a delivery that used up its retry budget.
	ErrDeliveryExhausted = errors.New("delivery retries exhausted")

	// ErrResyncRequired tells a resuming client its gap exceeds the replay
	// buffer and it must re-fetch state out of band.
	ErrResyncRequired = errors.New("resync required")

	// ErrConnectionClosed reports a write to an already-closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionLimit reports the process-wide connection cap.
	ErrConnectionLimit = errors.New("connection limit reached")
)

// RateLimitError carries the admission decision back to the client.
type RateLimitError struct {
	Scope      string
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// WebSocket close codes on the wire.
const (
	CloseNormal            = 1000
	CloseAuthFailure       = 4001
	CloseProtocolViolation = 4002
	CloseIdleTimeout       = 4003
)
