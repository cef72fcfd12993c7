package relay

import (
	"sort"
	"sync"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// PublishResult reports delivery stats and back-pressured members.
type PublishResult struct {
	SendTo  int
	Dropped []domain.PeerID
}

// Room is a threadsafe in-memory room: live sockets plus the voice roster.
// A roster entry without a socket belongs to a member served by another
// relay instance, or to one inside its presence grace window.
// It never closes adapter-owned resources.
type Room struct {
	id     domain.RoomID
	mu     sync.RWMutex
	conns  map[domain.PeerID]core.SignalConnection
	roster map[domain.PeerID]*domain.Participant
}

func NewRoom(id domain.RoomID) *Room {
	return &Room{
		id:     id,
		conns:  make(map[domain.PeerID]core.SignalConnection),
		roster: make(map[domain.PeerID]*domain.Participant),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// Attach binds peer's socket and returns the one it replaced, if any.
func (r *Room) Attach(peer domain.PeerID, conn core.SignalConnection) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[peer]
	r.conns[peer] = conn
	log.Info().Str("module", "relay.room").Str("room", string(r.id)).Str("peer", string(peer)).Msg("socket attached")
	return prev
}

// Detach unbinds conn if it is still peer's current socket.
func (r *Room) Detach(peer domain.PeerID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[peer]; !ok || cur != conn {
		return false
	}
	delete(r.conns, peer)
	log.Info().Str("module", "relay.room").Str("room", string(r.id)).Str("peer", string(peer)).Msg("socket detached")
	return true
}

func (r *Room) Conn(peer domain.PeerID) core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peer]
}

// Join adds or refreshes a roster entry. A refresh keeps the mute flag.
func (r *Room) Join(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.roster[p.PeerID]; ok {
		cur.DisplayName = p.DisplayName
		return
	}
	r.roster[p.PeerID] = &p
	log.Info().Str("module", "relay.room").Str("room", string(r.id)).Str("peer", string(p.PeerID)).Msg("joined voice")
}

func (r *Room) Leave(peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roster[peer]; !ok {
		return false
	}
	delete(r.roster, peer)
	log.Info().Str("module", "relay.room").Str("room", string(r.id)).Str("peer", string(peer)).Msg("left voice")
	return true
}

func (r *Room) SetMuted(peer domain.PeerID, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.roster[peer]
	if !ok {
		return false
	}
	p.Muted = muted
	return true
}

func (r *Room) InVoice(peer domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roster[peer]
	return ok
}

// Roster lists the voice members except exclude, ordered by peer id.
func (r *Room) Roster(exclude domain.PeerID) []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.roster))
	for id, p := range r.roster {
		if id == exclude {
			continue
		}
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roster)
}

func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roster) == 0 && len(r.conns) == 0
}

// Broadcast sends data to every local socket except from's.
func (r *Room) Broadcast(from domain.PeerID, data core.Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for peer, c := range r.conns {
		if peer == from {
			continue
		}
		if err := c.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, peer)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "relay.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Send delivers data to one peer. local is false when the peer has no
// socket on this instance.
func (r *Room) Send(to domain.PeerID, data core.Frame) (local bool, err error) {
	c := r.Conn(to)
	if c == nil {
		return false, nil
	}
	return true, c.TrySend(data)
}

func (r *Room) Info() domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.Room{ID: r.id, Members: len(r.roster)}
}
