package mesh

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
)

type AlertKind string

const (
	AlertReconnectExhausted AlertKind = "reconnect_exhausted"
	AlertCapacity           AlertKind = "capacity"
	AlertMediaAcquisition   AlertKind = "media_acquisition"
	AlertRateLimited        AlertKind = "rate_limited"
)

// Alert is a user-facing error. Reconnect alerts persist until the peer is
// retried or leaves; rate-limit alerts expire at ClearsAt.
type Alert struct {
	Kind     AlertKind     `json:"kind"`
	PeerID   domain.PeerID `json:"peer_id,omitempty"`
	Message  string        `json:"message"`
	RaisedAt time.Time     `json:"raised_at"`
	ClearsAt *time.Time    `json:"clears_at,omitempty"`
}

type AlertBoard struct {
	clock Clock

	mu        sync.RWMutex
	exhausted map[domain.PeerID]Alert
	global    map[AlertKind]Alert
}

func NewAlertBoard(clock Clock) *AlertBoard {
	return &AlertBoard{
		clock:     clock,
		exhausted: make(map[domain.PeerID]Alert),
		global:    make(map[AlertKind]Alert),
	}
}

// RaiseExhausted reports whether the alert is new for this peer.
func (b *AlertBoard) RaiseExhausted(err *core.ReconnectExhaustedError) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exhausted[err.PeerID]; ok {
		return false
	}
	b.exhausted[err.PeerID] = Alert{
		Kind:     AlertReconnectExhausted,
		PeerID:   err.PeerID,
		Message:  err.Error(),
		RaisedAt: b.clock.Now(),
	}
	return true
}

func (b *AlertBoard) ClearExhausted(peer domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exhausted, peer)
}

func (b *AlertBoard) Raise(kind AlertKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := Alert{Kind: kind, Message: err.Error(), RaisedAt: b.clock.Now()}
	var rl *core.RateLimitedError
	if errors.As(err, &rl) {
		clears := a.RaisedAt.Add(rl.RetryAfter)
		a.ClearsAt = &clears
	}
	b.global[kind] = a
}

func (b *AlertBoard) Clear(kind AlertKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, kind)
}

// List returns live alerts, dropping the ones whose countdown elapsed.
func (b *AlertBoard) List() []Alert {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.exhausted)+len(b.global))
	for kind, a := range b.global {
		if a.ClearsAt != nil && !now.Before(*a.ClearsAt) {
			delete(b.global, kind)
			continue
		}
		out = append(out, a)
	}
	for _, a := range b.exhausted {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
