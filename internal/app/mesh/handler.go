package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var errOutOfOrder = errors.New("out of order")

// Deliver hands an inbound signaling message to the loop.
func (m *Manager) Deliver(msg *signaling.Message) {
	m.post(func() { m.handle(msg) })
}

func (m *Manager) handle(msg *signaling.Message) {
	if m.left {
		return
	}
	if msg.ToPeer != "" && msg.ToPeer != m.cfg.LocalID {
		return
	}
	if msg.Sender() == m.cfg.LocalID {
		return
	}

	switch msg.Type {
	case signaling.TypeJoinVoice:
		m.handleJoin(msg)
	case signaling.TypeLeaveVoice:
		m.handleLeave(msg)
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		m.handleAnswer(msg)
	case signaling.TypeICECandidate:
		m.handleCandidate(msg)
	case signaling.TypeMuteChanged:
		m.handleMute(msg)
	case signaling.TypeParticipants:
		m.handleParticipants(msg)
	case signaling.TypeHeartbeat:
		m.handleHeartbeat(msg)
	case signaling.TypeConnectionFailed:
		m.handleConnectionFailed(msg)
	case signaling.TypeReconnectionRequested:
		m.handleReconnectionRequested(msg)
	case signaling.TypeRateLimited:
		m.handleRateLimited(msg)
	case signaling.TypeRequestParticipants:
		// answered by the relay
	default:
		m.log.Warn().Str("type", string(msg.Type)).Msg("unknown signal")
	}
	m.flushCandidates()
}

func (m *Manager) handleJoin(msg *signaling.Message) {
	peer := msg.PeerID
	if peer == "" {
		return
	}
	m.log.Info().Str("peer", string(peer)).Str("display_name", msg.DisplayName).Msg("peer joined voice")
	m.expected[peer] = msg.DisplayName
	m.maybeInitiate(peer)
}

func (m *Manager) handleParticipants(msg *signaling.Message) {
	for _, p := range msg.Participants {
		if p.PeerID == m.cfg.LocalID || p.PeerID == "" {
			continue
		}
		m.expected[p.PeerID] = p.DisplayName
		m.mutes.Set(p.PeerID, p.Muted)
		m.maybeInitiate(p.PeerID)
	}
	m.log.Debug().Int("participants", len(msg.Participants)).Msg("participant list")
}

// maybeInitiate opens a session when this side is the designated initiator
// and nothing is in flight for the peer.
func (m *Manager) maybeInitiate(peer domain.PeerID) {
	if !IsInitiator(m.cfg.LocalID, peer) || m.exhausted[peer] || m.blocked[peer] || m.grace.paused {
		return
	}
	if m.tasks.pending(peer, taskReconnect) {
		return
	}
	// an existing session, even a failing one, is left to the health monitor
	if _, ok := m.registry.Get(peer); ok {
		return
	}
	_ = m.initiate(peer)
}

func (m *Manager) handleLeave(msg *signaling.Message) {
	peer := msg.PeerID
	m.log.Info().Str("peer", string(peer)).Msg("peer left voice")
	delete(m.expected, peer)
	delete(m.orphans, peer)
	delete(m.attempts, peer)
	delete(m.exhausted, peer)
	delete(m.blocked, peer)
	m.alerts.ClearExhausted(peer)
	m.mutes.Delete(peer)
	if m.registry.Remove(peer) && len(m.blocked) > 0 {
		m.log.Info().Int("blocked", len(m.blocked)).Msg("slot freed, unblocking peers")
		m.blocked = make(map[domain.PeerID]bool)
	}
}

// initiate creates a session and sends an offer. CapacityError is returned
// to the caller and raised on the board, and the peer is left out of
// automatic initiation until unblocked.
func (m *Manager) initiate(peer domain.PeerID) error {
	s, created, err := m.registry.CreateOrReplace(peer, m.expected[peer])
	if err != nil {
		var capErr *core.CapacityError
		if errors.As(err, &capErr) {
			m.blocked[peer] = true
			m.log.Warn().Str("peer", string(peer)).Int("limit", capErr.Limit).Msg("mesh full, not connecting")
			m.alerts.Raise(AlertCapacity, err)
			m.raise(err)
			return err
		}
		m.log.Error().Err(err).Str("peer", string(peer)).Msg("create session")
		return err
	}
	delete(m.blocked, peer)
	if !created {
		return nil
	}
	s.ReconnectAttempts = m.attempts[peer]
	m.wire(s)

	offer, err := s.conn.CreateOffer(context.Background())
	if err != nil {
		m.negotiationFailed(s, "offer", err)
		return nil
	}
	s.State = core.StateInitiating
	s.offerOutstanding = true
	m.log.Info().Str("peer", string(peer)).Int("attempt", s.ReconnectAttempts).Msg("sending offer")
	m.send(signaling.Offer(m.cfg.Room, m.cfg.LocalID, peer, offer.SDP))
	return nil
}

// wire attaches the local track and routes media callbacks onto the loop.
// Every callback re-checks that s is still the registered session.
func (m *Manager) wire(s *PeerSession) {
	if m.localTrack != nil {
		if err := s.conn.AddLocalTrack(m.localTrack); err != nil {
			m.log.Warn().Err(err).Str("peer", string(s.PeerID)).Msg("attach local track")
		}
	}
	s.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() {
			if !m.registry.current(s) {
				return
			}
			m.send(signaling.Candidate(m.cfg.Room, m.cfg.LocalID, s.PeerID, c))
		})
	})
	s.conn.OnLinkStateChange(func(l core.LinkState) {
		m.post(func() {
			if !m.registry.current(s) {
				return
			}
			m.linkChanged(s, l)
		})
	})
	s.conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.post(func() {
			if !m.registry.current(s) || s.sink == nil {
				return
			}
			m.log.Info().Str("peer", string(s.PeerID)).Str("track_id", track.ID()).Msg("remote audio attached")
			s.sink.Attach(track, receiver)
		})
	})
}

func (m *Manager) linkChanged(s *PeerSession, l core.LinkState) {
	prev := s.Link
	s.Link = l
	m.log.Info().Str("peer", string(s.PeerID)).Str("link", l.String()).Str("prev", prev.String()).Str("state", s.State.String()).Msg("link state")
	switch {
	case l.Healthy():
		if s.State == core.StateInitiating || s.State == core.StateAnsweringOffer || s.State == core.StateDegraded {
			s.State = core.StateConnected
			s.LastHealthCheckAt = m.clock.Now()
		}
		m.flushSession(s)
	case l.Broken():
		if s.State != core.StateClosed && s.State != core.StateReconnectPending {
			s.State = core.StateDegraded
		}
	}
}

func (m *Manager) handleOffer(msg *signaling.Message) {
	peer := msg.FromPeer
	if peer == "" || msg.OfferSDP == "" {
		return
	}
	if _, ok := m.expected[peer]; !ok {
		m.expected[peer] = msg.DisplayName
	}

	if cur, ok := m.registry.Get(peer); ok {
		if cur.remoteApplied && cur.remoteSDP == msg.OfferSDP {
			m.log.Debug().Str("peer", string(peer)).Msg("duplicate offer ignored")
			return
		}
		if cur.State == core.StateInitiating && cur.offerOutstanding && IsInitiator(m.cfg.LocalID, peer) {
			m.log.Info().Str("peer", string(peer)).Msg("offer glare, keeping ours")
			return
		}
		// the remote restarted its side; start over
		m.registry.Remove(peer)
	}
	m.tasks.cancel(peer, taskReconnect)

	s, _, err := m.registry.CreateOrReplace(peer, m.expected[peer])
	if err != nil {
		m.log.Warn().Err(err).Str("peer", string(peer)).Msg("cannot answer offer")
		var capErr *core.CapacityError
		if errors.As(err, &capErr) {
			m.alerts.Raise(AlertCapacity, err)
			m.raise(err)
		}
		return
	}
	s.ReconnectAttempts = m.attempts[peer]
	m.wire(s)
	s.State = core.StateAnsweringOffer

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.OfferSDP}
	answer, err := s.conn.ApplyOffer(context.Background(), offer)
	if err != nil {
		m.negotiationFailed(s, "offer", err)
		return
	}
	s.remoteApplied = true
	s.remoteSDP = msg.OfferSDP
	m.log.Info().Str("peer", string(peer)).Msg("sending answer")
	m.send(signaling.Answer(m.cfg.Room, m.cfg.LocalID, peer, answer.SDP))
	m.adoptOrphans(s)
	m.flushSession(s)
}

func (m *Manager) handleAnswer(msg *signaling.Message) {
	peer := msg.FromPeer
	s, ok := m.registry.Get(peer)
	if !ok {
		m.logNegotiation(&core.NegotiationError{PeerID: peer, Op: "answer", Err: errors.New("no session")})
		return
	}
	if s.State != core.StateInitiating || !s.offerOutstanding {
		m.logNegotiation(&core.NegotiationError{PeerID: peer, Op: "answer", Err: errOutOfOrder})
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.AnswerSDP}
	if err := s.conn.ApplyAnswer(answer); err != nil {
		m.negotiationFailed(s, "answer", err)
		return
	}
	s.offerOutstanding = false
	s.remoteApplied = true
	s.remoteSDP = msg.AnswerSDP
	m.log.Info().Str("peer", string(peer)).Msg("answer applied")
	m.adoptOrphans(s)
	m.flushSession(s)
}

func (m *Manager) handleCandidate(msg *signaling.Message) {
	peer := msg.FromPeer
	if peer == "" || msg.Candidate == nil {
		return
	}
	if s, ok := m.registry.Get(peer); ok {
		s.pending = append(s.pending, *msg.Candidate)
		m.flushSession(s)
		return
	}
	m.orphans[peer] = append(m.orphans[peer], orphanCandidate{cand: *msg.Candidate, at: m.clock.Now()})
	m.log.Debug().Str("peer", string(peer)).Int("buffered", len(m.orphans[peer])).Msg("candidate buffered before session")
}

// adoptOrphans moves candidates that arrived before the session into it.
func (m *Manager) adoptOrphans(s *PeerSession) {
	orphans, ok := m.orphans[s.PeerID]
	if !ok {
		return
	}
	delete(m.orphans, s.PeerID)
	for _, o := range orphans {
		s.pending = append(s.pending, o.cand)
	}
}

// flushSession applies buffered candidates once the remote description is
// in place. Each candidate is handed to the connection at most once.
func (m *Manager) flushSession(s *PeerSession) {
	if !s.remoteApplied || len(s.pending) == 0 || s.released {
		return
	}
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			m.log.Debug().Err(err).Str("peer", string(s.PeerID)).Msg("remote candidate rejected")
		}
	}
	m.log.Debug().Str("peer", string(s.PeerID)).Int("applied", len(pending)).Msg("candidates applied")
}

// flushCandidates retries every buffer: orphans whose session now exists,
// sessions whose remote description landed, and expired orphans.
func (m *Manager) flushCandidates() {
	now := m.clock.Now()
	for peer, orphans := range m.orphans {
		if s, ok := m.registry.Get(peer); ok {
			m.adoptOrphans(s)
			continue
		}
		fresh := orphans[:0]
		for _, o := range orphans {
			if now.Sub(o.at) < m.cfg.CandidateTTL {
				fresh = append(fresh, o)
			}
		}
		if len(fresh) == 0 {
			delete(m.orphans, peer)
		} else {
			m.orphans[peer] = fresh
		}
	}
	m.registry.each(m.flushSession)
}

func (m *Manager) flushTick() {
	m.flushCandidates()
	if m.transportUp {
		m.flushOutbox()
	}
}

func (m *Manager) handleMute(msg *signaling.Message) {
	if msg.Muted == nil {
		return
	}
	m.mutes.Set(msg.PeerID, *msg.Muted)
	m.log.Debug().Str("peer", string(msg.PeerID)).Bool("muted", *msg.Muted).Msg("mute changed")
}

// handleHeartbeat treats the sender as present and flags our session when
// the sender reports its side of the link failed or disconnected.
func (m *Manager) handleHeartbeat(msg *signaling.Message) {
	peer := msg.PeerID
	if _, ok := m.expected[peer]; !ok {
		m.expected[peer] = ""
	}
	report, ok := msg.States[m.cfg.LocalID]
	if !ok {
		return
	}
	link := core.ParseLinkState(report.LinkState)
	if !link.Broken() {
		return
	}
	s, ok := m.registry.Get(peer)
	if !ok {
		return
	}
	switch s.State {
	case core.StateClosed, core.StateReconnectPending:
		return
	}
	m.log.Warn().Str("peer", string(peer)).Str("link", link.String()).Msg("peer reports our link broken")
	s.State = core.StateDegraded
	m.flag(s, "remote reported "+link.String())
}

func (m *Manager) handleConnectionFailed(msg *signaling.Message) {
	peer := msg.FromPeer
	s, ok := m.registry.Get(peer)
	if !ok {
		return
	}
	m.log.Warn().Str("peer", string(peer)).Msg("peer reports connection failed")
	m.flag(s, "remote reported failure")
}

func (m *Manager) handleReconnectionRequested(msg *signaling.Message) {
	peer := msg.FromPeer
	if !IsInitiator(m.cfg.LocalID, peer) {
		m.log.Debug().Str("peer", string(peer)).Msg("reconnection requested from initiator side, ignoring")
		return
	}
	if m.exhausted[peer] {
		return
	}
	if _, ok := m.expected[peer]; !ok {
		m.expected[peer] = ""
	}
	m.log.Info().Str("peer", string(peer)).Msg("reconnection requested")
	m.registry.Remove(peer)
	_ = m.initiate(peer)
}

func (m *Manager) handleRateLimited(msg *signaling.Message) {
	err := &core.RateLimitedError{RetryAfter: time.Duration(msg.RetryAfterMS) * time.Millisecond}
	m.log.Warn().Dur("retry_after", err.RetryAfter).Msg("relay rate limited us")
	m.alerts.Raise(AlertRateLimited, err)
	m.raise(err)
}

func (m *Manager) logNegotiation(err *core.NegotiationError) {
	m.log.Warn().Err(err).Str("peer", string(err.PeerID)).Str("op", err.Op).Msg("negotiation error")
}

// negotiationFailed handles a descriptor or candidate the connection refused:
// the session is marked degraded and goes through the reconnection path.
func (m *Manager) negotiationFailed(s *PeerSession, op string, err error) {
	m.logNegotiation(&core.NegotiationError{PeerID: s.PeerID, Op: op, Err: err})
	s.State = core.StateDegraded
	m.flag(s, "negotiation failed")
}
