// Package relay is the signaling relay: it routes messages between the
// agents of a room and keeps the voice roster. It never inspects SDP.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRoomRequired = errors.New("room required")

type Options struct {
	PresenceGrace time.Duration
	JoinLimit     int
	JoinInterval  time.Duration
	MessageRate   float64
	MessageBurst  int
	Policy        Policy
	// Bus is optional; nil keeps the relay single-instance.
	Bus Bus
}

func DefaultOptions() Options {
	return Options{
		PresenceGrace: 10 * time.Second,
		JoinLimit:     5,
		JoinInterval:  10 * time.Second,
		MessageRate:   50,
		MessageBurst:  100,
		Policy:        SimplePolicy{},
	}
}

type Hub struct {
	opts     Options
	origin   string
	log      zerolog.Logger
	rooms    *Rooms
	registry *Registry
	joins    *JoinLimiter

	mu    sync.Mutex
	grace map[clientKey]*time.Timer
}

func NewHub(opts Options) *Hub {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Hub{
		opts:     opts,
		origin:   uuid.NewString(),
		log:      log.With().Str("module", "relay.hub").Logger(),
		rooms:    NewRooms(),
		registry: NewRegistry(),
		joins:    NewJoinLimiter(opts.JoinLimit, opts.JoinInterval),
		grace:    make(map[clientKey]*time.Timer),
	}
}

func (h *Hub) Rooms() []domain.Room { return h.rooms.List() }

func (h *Hub) Registry() *Registry { return h.registry }

// Connect registers a new socket for peer in room. A previous socket of the
// same peer is closed, and a pending presence-grace leave is cancelled.
func (h *Hub) Connect(room domain.RoomID, peer domain.PeerID, displayName string, conn core.SignalConnection) (*Client, error) {
	if room == "" {
		return nil, ErrRoomRequired
	}
	if _, err := domain.NewParticipant(peer, displayName); err != nil {
		return nil, err
	}

	c := &Client{
		Room:        room,
		Peer:        peer,
		DisplayName: displayName,
		conn:        conn,
		flood:       NewFloodLimiter(h.opts.MessageRate, h.opts.MessageBurst),
	}

	r := h.rooms.GetOrCreate(room)
	if prev := r.Attach(peer, conn); prev != nil && prev != conn {
		h.log.Info().Str("room", string(room)).Str("peer", string(peer)).Msg("replacing previous socket")
		prev.Close()
	}
	if h.cancelGrace(clientKey{room, peer}) {
		h.log.Info().Str("room", string(room)).Str("peer", string(peer)).Msg("reconnected within presence grace")
	}
	h.registry.Bind(c)
	return c, nil
}

// Disconnect is called by the adapter once c's socket is gone.
func (h *Hub) Disconnect(c *Client) {
	h.registry.Unbind(c)
	r, ok := h.rooms.Get(c.Room)
	if !ok || !r.Detach(c.Peer, c.conn) {
		return
	}
	if c.left.Load() || !r.InVoice(c.Peer) || h.opts.PresenceGrace <= 0 {
		h.expire(c.Room, c.Peer)
		return
	}

	key := clientKey{c.Room, c.Peer}
	h.mu.Lock()
	if t, ok := h.grace[key]; ok {
		t.Stop()
	}
	h.grace[key] = time.AfterFunc(h.opts.PresenceGrace, func() {
		h.mu.Lock()
		delete(h.grace, key)
		h.mu.Unlock()
		h.expire(c.Room, c.Peer)
	})
	h.mu.Unlock()
	h.log.Info().Str("room", string(c.Room)).Str("peer", string(c.Peer)).Dur("grace", h.opts.PresenceGrace).Msg("socket lost, holding presence")
}

func (h *Hub) cancelGrace(key clientKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.grace[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(h.grace, key)
	return true
}

// expire drops peer from the roster on its behalf unless it came back.
func (h *Hub) expire(room domain.RoomID, peer domain.PeerID) {
	r, ok := h.rooms.Get(room)
	if !ok {
		return
	}
	if r.Conn(peer) == nil && r.Leave(peer) {
		h.log.Info().Str("room", string(room)).Str("peer", string(peer)).Msg("presence expired")
		h.route(r, signaling.LeaveVoice(room, peer))
	}
	h.rooms.DropIfEmpty(room)
}

// Handle processes one inbound frame from c.
func (h *Hub) Handle(c *Client, data []byte) {
	if ok, wait := c.flood.Allow(); !ok {
		h.log.Warn().Str("room", string(c.Room)).Str("peer", string(c.Peer)).Msg("message flood, dropping")
		h.reply(c, signaling.RateLimited(c.Room, wait.Milliseconds()))
		return
	}

	msg, err := signaling.Decode(data)
	if err != nil {
		h.log.Error().Err(err).Str("peer", string(c.Peer)).Msg("bad json")
		return
	}
	h.stamp(c, msg)

	r := h.rooms.GetOrCreate(c.Room)
	switch msg.Type {
	case signaling.TypeJoinVoice:
		h.handleJoin(c, r, msg)
	case signaling.TypeLeaveVoice:
		c.left.Store(true)
		if r.Leave(c.Peer) {
			h.route(r, msg)
		}
	case signaling.TypeMuteChanged:
		if msg.Muted == nil {
			return
		}
		r.SetMuted(c.Peer, *msg.Muted)
		h.route(r, msg)
	case signaling.TypeRequestParticipants:
		h.reply(c, signaling.Participants(c.Room, r.Roster(c.Peer)))
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate,
		signaling.TypeHeartbeat, signaling.TypeConnectionFailed, signaling.TypeReconnectionRequested:
		h.route(r, msg)
	default:
		h.log.Warn().Str("type", string(msg.Type)).Str("peer", string(c.Peer)).Msg("unknown signal")
	}
}

// stamp pins the sender identity and room to the socket's own.
func (h *Hub) stamp(c *Client, msg *signaling.Message) {
	msg.RoomID = c.Room
	switch msg.Type {
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate,
		signaling.TypeConnectionFailed, signaling.TypeReconnectionRequested:
		if msg.FromPeer != "" && msg.FromPeer != c.Peer {
			h.log.Warn().Str("peer", string(c.Peer)).Str("claimed", string(msg.FromPeer)).Msg("sender mismatch")
		}
		msg.FromPeer = c.Peer
	default:
		if msg.PeerID != "" && msg.PeerID != c.Peer {
			h.log.Warn().Str("peer", string(c.Peer)).Str("claimed", string(msg.PeerID)).Msg("sender mismatch")
		}
		msg.PeerID = c.Peer
	}
}

func (h *Hub) handleJoin(c *Client, r *Room, msg *signaling.Message) {
	if ok, wait := h.joins.Allow(c.Peer); !ok {
		h.log.Warn().Str("room", string(c.Room)).Str("peer", string(c.Peer)).Dur("retry_after", wait).Msg("join rate limited")
		h.reply(c, signaling.RateLimited(c.Room, wait.Milliseconds()))
		return
	}
	name := msg.DisplayName
	if domain.ValidateDisplayName(name) != nil {
		name = c.DisplayName
	}
	msg.DisplayName = name
	c.left.Store(false)
	r.Join(domain.Participant{PeerID: c.Peer, DisplayName: name})
	h.route(r, msg)
}

func (h *Hub) reply(c *Client, msg *signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("reply marshal")
		return
	}
	if err := c.conn.TrySend(data); err != nil {
		h.log.Warn().Err(err).Str("peer", string(c.Peer)).Msg("reply dropped")
	}
}

// route delivers msg to local sockets and publishes it to the bus.
func (h *Hub) route(r *Room, msg *signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("route marshal")
		return
	}
	h.deliver(r, msg, data)

	if h.opts.Bus == nil {
		return
	}
	env := Envelope{Origin: h.origin, Room: r.ID(), Data: data}
	if err := h.opts.Bus.Publish(context.Background(), env); err != nil {
		h.log.Error().Err(err).Str("room", string(r.ID())).Msg("bus publish")
	}
}

func (h *Hub) deliver(r *Room, msg *signaling.Message, data core.Frame) {
	if msg.ToPeer != "" {
		local, err := r.Send(msg.ToPeer, data)
		if !local {
			h.log.Debug().Str("to", string(msg.ToPeer)).Str("type", string(msg.Type)).Msg("recipient not on this instance")
			return
		}
		if errors.Is(err, core.ErrBackpressure) {
			h.backpressure(r, msg.ToPeer)
		}
		return
	}
	res := r.Broadcast(msg.Sender(), data)
	for _, peer := range res.Dropped {
		h.backpressure(r, peer)
	}
}

func (h *Hub) backpressure(r *Room, peer domain.PeerID) {
	switch h.opts.Policy.OnBackPressure(r, peer) {
	case KickMember:
		h.log.Warn().Str("room", string(r.ID())).Str("peer", string(peer)).Msg("backpressure, kicking member")
		if c := r.Conn(peer); c != nil {
			c.Close()
		}
	case DropFrame, NoAction:
	}
}

// Remote applies an envelope published by another relay instance.
func (h *Hub) Remote(env Envelope) {
	if env.Origin == h.origin {
		return
	}
	msg, err := signaling.Decode(env.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("bad remote frame")
		return
	}
	r := h.rooms.GetOrCreate(env.Room)
	switch msg.Type {
	case signaling.TypeJoinVoice:
		r.Join(domain.Participant{PeerID: msg.PeerID, DisplayName: msg.DisplayName})
	case signaling.TypeLeaveVoice:
		r.Leave(msg.PeerID)
	case signaling.TypeMuteChanged:
		if msg.Muted != nil {
			r.SetMuted(msg.PeerID, *msg.Muted)
		}
	}
	h.deliver(r, msg, core.Frame(env.Data))
	if msg.Type == signaling.TypeLeaveVoice {
		h.rooms.DropIfEmpty(env.Room)
	}
}

// RunBus pumps the bus into Remote until ctx is done.
func (h *Hub) RunBus(ctx context.Context) error {
	if h.opts.Bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.opts.Bus.Run(ctx, h.Remote)
}

// Shutdown stops grace timers and closes every socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for k, t := range h.grace {
		t.Stop()
		delete(h.grace, k)
	}
	h.mu.Unlock()
	h.registry.CloseAll()
}
