package mesh

import (
	"context"
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
)

type PeerStatus struct {
	PeerID            domain.PeerID `json:"peer_id"`
	DisplayName       string        `json:"display_name"`
	State             string        `json:"connection_state"`
	Link              string        `json:"link_state"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	LastHealthCheckAt time.Time     `json:"last_health_check_at"`
	PendingCandidates int           `json:"pending_candidates"`
	Muted             *bool         `json:"muted,omitempty"`
	Level             float64       `json:"level"`
	Speaking          bool          `json:"speaking"`
}

type Status struct {
	Room         domain.RoomID   `json:"room"`
	Local        LocalSession    `json:"local"`
	Transport    bool            `json:"transport_connected"`
	GraceArmed   bool            `json:"grace_armed"`
	Peers        []PeerStatus    `json:"peers"`
	Participants []domain.PeerID `json:"participants"`
	Alerts       []Alert         `json:"alerts"`
}

// Initiate opens a session to peer from this side. A full mesh returns
// *core.CapacityError.
func (m *Manager) Initiate(ctx context.Context, peer domain.PeerID) error {
	return m.call(ctx, func() error {
		if _, ok := m.expected[peer]; !ok {
			m.expected[peer] = ""
		}
		return m.initiate(peer)
	})
}

// Retry clears a terminal reconnect failure and tries the peer again.
func (m *Manager) Retry(ctx context.Context, peer domain.PeerID) error {
	return m.call(ctx, func() error {
		delete(m.exhausted, peer)
		delete(m.attempts, peer)
		m.alerts.ClearExhausted(peer)
		if _, ok := m.expected[peer]; !ok {
			m.expected[peer] = ""
		}
		m.log.Info().Str("peer", string(peer)).Msg("manual retry")
		if s, ok := m.registry.Get(peer); ok && !s.replaceable() {
			return nil
		}
		if IsInitiator(m.cfg.LocalID, peer) {
			return m.initiate(peer)
		}
		m.registry.Remove(peer)
		m.send(signaling.ReconnectionRequested(m.cfg.Room, m.cfg.LocalID, peer))
		return nil
	})
}

func (m *Manager) SetMuted(ctx context.Context, muted bool) error {
	return m.call(ctx, func() error {
		m.local.Muted = muted
		if m.media != nil {
			m.media.SetMuted(muted)
		}
		m.mutes.Set(m.cfg.LocalID, muted)
		m.send(signaling.MuteChanged(m.cfg.Room, m.cfg.LocalID, muted))
		return nil
	})
}

// Leave is the intentional disconnect: peers are told, every session is
// closed and local media is released.
func (m *Manager) Leave(ctx context.Context) error {
	return m.call(ctx, func() error {
		if m.left {
			return nil
		}
		m.local.IntentionalDisconnect = true
		if err := m.transport.Send(signaling.LeaveVoice(m.cfg.Room, m.cfg.LocalID)); err != nil {
			m.log.Warn().Err(err).Msg("leave announcement not delivered")
		}
		m.left = true
		m.cleanupAll()
		m.releaseMedia()
		m.log.Info().Msg("left voice")
		return nil
	})
}

func (m *Manager) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	err := m.call(ctx, func() error {
		st = m.status()
		return nil
	})
	return st, err
}

func (m *Manager) status() Status {
	st := Status{
		Room:         m.cfg.Room,
		Local:        m.local,
		Transport:    m.transportUp,
		GraceArmed:   m.grace.armed,
		Participants: m.expectedIDs(),
		Alerts:       m.alerts.List(),
	}
	m.registry.each(func(s *PeerSession) {
		ps := PeerStatus{
			PeerID:            s.PeerID,
			DisplayName:       s.DisplayName,
			State:             s.State.String(),
			Link:              s.Link.String(),
			ReconnectAttempts: s.ReconnectAttempts,
			LastHealthCheckAt: s.LastHealthCheckAt,
			PendingCandidates: s.PendingCandidates(),
			Level:             m.levels.Level(s.PeerID),
			Speaking:          Speaking(m.mutes, m.levels, s.PeerID),
		}
		if muted, ok := m.mutes.Get(s.PeerID); ok {
			ps.Muted = &muted
		}
		st.Peers = append(st.Peers, ps)
	})
	return st
}
