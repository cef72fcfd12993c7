package mesh

import (
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
)

const taskReconnect = "reconnect"

// flag hands a failing session to the reconnection path. The attempt
// counter survives the session: once it reaches the cap the peer is closed
// for good and ReconnectExhausted is raised a single time.
func (m *Manager) flag(s *PeerSession, reason string) {
	if m.grace.paused || m.left || !m.registry.current(s) {
		return
	}
	peer := s.PeerID
	attempts := m.attempts[peer] + 1
	if attempts > m.cfg.MaxReconnectAttempts {
		attempts = m.cfg.MaxReconnectAttempts
	}
	m.attempts[peer] = attempts
	s.ReconnectAttempts = attempts

	if attempts >= m.cfg.MaxReconnectAttempts {
		s.State = core.StateClosed
		m.registry.Remove(peer)
		m.exhausted[peer] = true
		err := &core.ReconnectExhaustedError{PeerID: peer, Attempts: attempts}
		if m.alerts.RaiseExhausted(err) {
			m.log.Error().Str("peer", string(peer)).Int("attempt", attempts).Str("reason", reason).Msg("reconnect attempts exhausted")
			m.raise(err)
		}
		return
	}

	s.State = core.StateReconnectPending
	m.registry.Remove(peer)
	delay := m.backoff.Delay(attempts - 1)
	m.log.Warn().Str("peer", string(peer)).Int("attempt", attempts).Dur("delay", delay).Str("reason", reason).Msg("reconnect scheduled")
	m.tasks.schedule(peer, taskReconnect, delay, func() { m.reconnect(peer) })
}

// reconnect runs when the backoff delay elapsed. The initiator re-offers,
// the other side asks the initiator to do so.
func (m *Manager) reconnect(peer domain.PeerID) {
	if m.left || m.grace.paused || m.exhausted[peer] {
		return
	}
	if _, ok := m.expected[peer]; !ok {
		return
	}
	if _, ok := m.registry.Get(peer); ok {
		return
	}
	if IsInitiator(m.cfg.LocalID, peer) {
		_ = m.initiate(peer)
		return
	}
	m.log.Info().Str("peer", string(peer)).Msg("asking initiator to reconnect")
	m.send(signaling.ReconnectionRequested(m.cfg.Room, m.cfg.LocalID, peer))
}

// sweep re-initiates expected participants that lost their session without
// anyone noticing.
func (m *Manager) sweep() {
	if m.left || m.grace.paused || !m.transportUp {
		return
	}
	for _, peer := range m.expectedIDs() {
		m.maybeInitiate(peer)
	}
}
