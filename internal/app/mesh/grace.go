package mesh

import (
	"sort"

	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
)

// graceState tracks one signaling outage. While paused, no health flags or
// reconnects are issued; sessions and local media stay as they are.
type graceState struct {
	armed  bool
	paused bool
	seq    uint64
	timer  Timer
}

func (m *Manager) TransportUp() { m.post(m.transportRecovered) }

func (m *Manager) TransportDown() { m.post(m.transportLost) }

func (m *Manager) transportLost() {
	m.transportUp = false
	if m.local.IntentionalDisconnect {
		m.cleanupAll()
		return
	}
	if m.grace.armed || m.left {
		return
	}
	m.grace.armed = true
	m.grace.paused = true
	m.grace.seq++
	seq := m.grace.seq
	m.grace.timer = m.clock.AfterFunc(m.cfg.GraceWindow, func() {
		m.post(func() {
			if m.grace.armed && m.grace.seq == seq {
				m.graceExpired()
			}
		})
	})
	m.log.Warn().Dur("grace", m.cfg.GraceWindow).Int("sessions", m.registry.Len()).Msg("signaling lost, holding sessions")
}

func (m *Manager) transportRecovered() {
	m.transportUp = true
	if m.left {
		return
	}
	if m.grace.armed {
		m.disarmGrace()
		m.log.Info().Int("sessions", m.registry.Len()).Msg("signaling back within grace")
	}
	m.grace.paused = false
	m.announce()
	m.flushOutbox()
}

func (m *Manager) disarmGrace() {
	if m.grace.timer != nil {
		m.grace.timer.Stop()
		m.grace.timer = nil
	}
	m.grace.armed = false
	m.grace.seq++
}

// graceExpired closes peer sessions only. Local media stays acquired.
func (m *Manager) graceExpired() {
	m.grace.armed = false
	m.grace.timer = nil
	present := m.registry.IDs()
	m.log.Warn().Int("sessions", len(present)).Msg("grace window elapsed, closing peer sessions")
	for _, peer := range present {
		m.registry.Remove(peer)
	}
	if !m.transport.Connected() {
		return
	}
	m.grace.paused = false
	for _, peer := range present {
		if IsInitiator(m.cfg.LocalID, peer) {
			_ = m.initiate(peer)
		} else {
			m.send(signaling.ReconnectionRequested(m.cfg.Room, m.cfg.LocalID, peer))
		}
	}
}

// cleanupAll is the intentional-leave path: everything peer-related goes.
func (m *Manager) cleanupAll() {
	m.tasks.cancelAll()
	m.disarmGrace()
	m.grace.paused = false
	for _, peer := range m.registry.IDs() {
		m.registry.Remove(peer)
	}
	m.mutes.Clear()
	m.levels.Clear()
	m.orphans = make(map[domain.PeerID][]orphanCandidate)
	m.expected = make(map[domain.PeerID]string)
	m.attempts = make(map[domain.PeerID]int)
	m.exhausted = make(map[domain.PeerID]bool)
	m.blocked = make(map[domain.PeerID]bool)
	m.outbox = nil
}

func (m *Manager) expectedIDs() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(m.expected))
	for id := range m.expected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
