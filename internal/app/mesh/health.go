package mesh

import (
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/signaling"
)

// checkHealth inspects every session. A connected session with a healthy
// link resets its attempt counter. A broken link wins over a stale
// connected state, and a session that has not been healthy for
// ConnectionTimeout is treated as failed.
func (m *Manager) checkHealth() {
	if m.grace.paused || m.left {
		return
	}
	now := m.clock.Now()
	var failing []*PeerSession
	m.registry.each(func(s *PeerSession) {
		switch s.State {
		case core.StateClosed, core.StateReconnectPending:
			return
		}
		if s.State == core.StateConnected && s.Link.Healthy() {
			s.ReconnectAttempts = 0
			delete(m.attempts, s.PeerID)
			s.LastHealthCheckAt = now
			return
		}
		if s.Link.Broken() || s.State == core.StateDegraded || now.Sub(s.LastHealthCheckAt) > m.cfg.ConnectionTimeout {
			failing = append(failing, s)
		}
	})
	for _, s := range failing {
		m.log.Warn().
			Str("peer", string(s.PeerID)).
			Str("state", s.State.String()).
			Str("link", s.Link.String()).
			Dur("since_healthy", now.Sub(s.LastHealthCheckAt)).
			Msg("session unhealthy")
		m.send(signaling.ConnectionFailed(m.cfg.Room, m.cfg.LocalID, s.PeerID))
		m.flag(s, "health check")
	}
}
