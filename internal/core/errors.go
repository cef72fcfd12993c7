package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
)

var (
	// ErrSignalingNotReady is returned by a SignalTransport while it is not
	// connected. Callers queue and retry.
	ErrSignalingNotReady = errors.New("signaling transport not ready")
	ErrBackpressure      = errors.New("backpressure")
	ErrConnClosed        = errors.New("connection closed")
)

// NegotiationError is an offer, answer or candidate that could not be
// applied in the session's current state.
type NegotiationError struct {
	PeerID domain.PeerID
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s with %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// CapacityError rejects a new peer session once the mesh is full.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mesh is full (%d peers)", e.Limit)
}

type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire local audio: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// ReconnectExhaustedError is terminal for a peer until the user retries it.
type ReconnectExhaustedError struct {
	PeerID   domain.PeerID
	Attempts int
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("gave up reconnecting to %s after %d attempts", e.PeerID, e.Attempts)
}

// RateLimitedError carries the cooldown the relay asked for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
