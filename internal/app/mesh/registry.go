package mesh

import (
	"fmt"
	"sort"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/rs/zerolog"
)

// Registry is the single owner of peer sessions. Every method runs on the
// event loop, so each mutation is atomic with respect to the others.
type Registry struct {
	admission Admission
	conns     core.ConnectionFactory
	sinks     core.SinkFactory
	clock     Clock
	log       zerolog.Logger

	sessions map[domain.PeerID]*PeerSession

	// onRemove runs after every Remove, including misses.
	onRemove func(peer domain.PeerID)
}

func NewRegistry(admission Admission, conns core.ConnectionFactory, sinks core.SinkFactory, clock Clock, log zerolog.Logger) *Registry {
	return &Registry{
		admission: admission,
		conns:     conns,
		sinks:     sinks,
		clock:     clock,
		log:       log,
		sessions:  make(map[domain.PeerID]*PeerSession),
	}
}

func (r *Registry) Get(peer domain.PeerID) (*PeerSession, bool) {
	s, ok := r.sessions[peer]
	return s, ok
}

func (r *Registry) Len() int { return len(r.sessions) }

// IDs returns the peers with a session, sorted.
func (r *Registry) IDs() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CreateOrReplace returns the live session for peer, creating one when
// there is none. A session still negotiating or connected is returned as is
// with created=false. A failed one is closed first and replaced. Only fresh
// peers count against admission.
func (r *Registry) CreateOrReplace(peer domain.PeerID, displayName string) (s *PeerSession, created bool, err error) {
	if cur, ok := r.sessions[peer]; ok {
		if !cur.replaceable() {
			return cur, false, nil
		}
		r.log.Info().Str("peer", string(peer)).Str("state", cur.State.String()).Str("link", cur.Link.String()).Msg("replacing failed session")
		if err := cur.release(); err != nil {
			r.log.Warn().Err(err).Str("peer", string(peer)).Msg("release failed session")
		}
		delete(r.sessions, peer)
		if displayName == "" {
			displayName = cur.DisplayName
		}
	} else if err := r.admission.Admit(len(r.sessions)); err != nil {
		return nil, false, err
	}

	conn, err := r.conns.NewConnection(peer)
	if err != nil {
		return nil, false, fmt.Errorf("new connection to %s: %w", peer, err)
	}
	now := r.clock.Now()
	s = &PeerSession{
		PeerID:            peer,
		DisplayName:       displayName,
		State:             core.StateIdle,
		Link:              core.LinkNew,
		CreatedAt:         now,
		LastHealthCheckAt: now,
		conn:              conn,
	}
	if r.sinks != nil {
		s.sink = r.sinks.NewSink(peer)
	}
	r.sessions[peer] = s
	r.log.Debug().Str("peer", string(peer)).Int("size", len(r.sessions)).Msg("session created")
	return s, true, nil
}

// Remove closes and forgets the session of peer. It is idempotent; resources
// are released exactly once.
func (r *Registry) Remove(peer domain.PeerID) bool {
	s, ok := r.sessions[peer]
	if ok {
		delete(r.sessions, peer)
		if err := s.release(); err != nil {
			r.log.Warn().Err(err).Str("peer", string(peer)).Msg("release session")
		}
		r.log.Debug().Str("peer", string(peer)).Int("size", len(r.sessions)).Msg("session removed")
	}
	if r.onRemove != nil {
		r.onRemove(peer)
	}
	return ok
}

// current reports whether s is still the registered session of its peer.
func (r *Registry) current(s *PeerSession) bool {
	cur, ok := r.sessions[s.PeerID]
	return ok && cur == s
}

func (r *Registry) each(fn func(s *PeerSession)) {
	for _, id := range r.IDs() {
		if s, ok := r.sessions[id]; ok {
			fn(s)
		}
	}
}
