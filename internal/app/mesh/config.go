// Package mesh manages the full peer-to-peer voice mesh of one room: one
// PeerSession per remote participant, negotiated over the signaling relay,
// watched by a health monitor and healed with capped exponential backoff.
//
// All state lives on a single event loop (Manager.Run). Signaling messages,
// media callbacks, timers and API calls are posted onto it as closures.
package mesh

import (
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
)

type Config struct {
	Room        domain.RoomID
	LocalID     domain.PeerID
	DisplayName string

	MaxPeers               int
	HealthInterval         time.Duration
	ConnectionTimeout      time.Duration
	MaxReconnectAttempts   int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	SweepInterval          time.Duration
	CandidateFlushInterval time.Duration
	CandidateTTL           time.Duration
	GraceWindow            time.Duration
	HeartbeatInterval      time.Duration
	LevelInterval          time.Duration
	OutboxLimit            int
}

func DefaultConfig() Config {
	return Config{
		MaxPeers:               9,
		HealthInterval:         5 * time.Second,
		ConnectionTimeout:      15 * time.Second,
		MaxReconnectAttempts:   3,
		BackoffBase:            800 * time.Millisecond,
		BackoffMax:             8 * time.Second,
		SweepInterval:          2 * time.Second,
		CandidateFlushInterval: 200 * time.Millisecond,
		CandidateTTL:           30 * time.Second,
		GraceWindow:            10 * time.Second,
		HeartbeatInterval:      5 * time.Second,
		LevelInterval:          200 * time.Millisecond,
		OutboxLimit:            256,
	}
}
