package relay

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Client is one accepted relay socket.
type Client struct {
	Room        domain.RoomID
	Peer        domain.PeerID
	DisplayName string

	conn  core.SignalConnection
	flood *FloodLimiter
	left  atomic.Bool
}

func (c *Client) Conn() core.SignalConnection { return c.conn }

type clientKey struct {
	room domain.RoomID
	peer domain.PeerID
}

// Registry tracks live clients so they can be found and shut down.
type Registry struct {
	mu      sync.RWMutex
	clients map[clientKey]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[clientKey]*Client)}
}

func (r *Registry) Bind(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientKey{c.Room, c.Peer}] = c
	log.Info().Str("module", "relay.registry").Str("room", string(c.Room)).Str("peer", string(c.Peer)).Msg("bound client")
}

// Unbind removes c unless a newer client took its key.
func (r *Registry) Unbind(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := clientKey{c.Room, c.Peer}
	if r.clients[k] != c {
		return false
	}
	delete(r.clients, k)
	log.Info().Str("module", "relay.registry").Str("room", string(c.Room)).Str("peer", string(c.Peer)).Msg("unbind client")
	return true
}

func (r *Registry) Get(room domain.RoomID, peer domain.PeerID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientKey{room, peer}]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every socket; the adapters unwind from there.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		c.conn.Close()
	}
}
