package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LocalSession is this agent's own presence in the room.
type LocalSession struct {
	PeerID                domain.PeerID `json:"peer_id"`
	Muted                 bool          `json:"muted"`
	CanTransmit           bool          `json:"can_transmit"`
	HasActiveStream       bool          `json:"has_active_stream"`
	IntentionalDisconnect bool          `json:"intentional_disconnect"`
}

type orphanCandidate struct {
	cand webrtc.ICECandidateInit
	at   time.Time
}

type Deps struct {
	Transport core.SignalTransport
	Conns     core.ConnectionFactory
	Sinks     core.SinkFactory
	// Media may be nil for a receive-only agent.
	Media core.MediaProvider
	Clock Clock
}

type Manager struct {
	cfg       Config
	log       zerolog.Logger
	clock     Clock
	transport core.SignalTransport
	media     core.MediaProvider
	backoff   core.Backoff

	events chan func()
	done   chan struct{}
	// inline runs posted closures on the caller's goroutine, queued so that
	// nested posts never interleave. Used by tests with a fake clock.
	inline   bool
	queue    []func()
	draining bool

	registry *Registry
	tasks    *taskArena
	mutes    *MuteStore
	levels   *LevelSampler
	alerts   *AlertBoard

	local      LocalSession
	localTrack webrtc.TrackLocal

	// expected holds participants announced in the room, with display names.
	expected  map[domain.PeerID]string
	orphans   map[domain.PeerID][]orphanCandidate
	attempts  map[domain.PeerID]int
	exhausted map[domain.PeerID]bool
	// blocked peers were refused for capacity and wait for a manual
	// Initiate or Retry, or for someone to leave.
	blocked map[domain.PeerID]bool
	outbox  []*signaling.Message

	transportUp bool
	announced   bool
	left        bool
	grace       graceState

	onError func(error)
}

func NewManager(cfg Config, deps Deps) *Manager {
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := log.With().Str("module", "mesh").Str("room", string(cfg.Room)).Str("local", string(cfg.LocalID)).Logger()
	m := &Manager{
		cfg:       cfg,
		log:       logger,
		clock:     clock,
		transport: deps.Transport,
		media:     deps.Media,
		backoff:   core.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
		mutes:     NewMuteStore(),
		levels:    NewLevelSampler(),
		alerts:    NewAlertBoard(clock),
		local:     LocalSession{PeerID: cfg.LocalID},
		expected:  make(map[domain.PeerID]string),
		orphans:   make(map[domain.PeerID][]orphanCandidate),
		attempts:  make(map[domain.PeerID]int),
		exhausted: make(map[domain.PeerID]bool),
		blocked:   make(map[domain.PeerID]bool),
	}
	m.tasks = newTaskArena(clock, m.post)
	m.registry = NewRegistry(Admission{MaxPeers: cfg.MaxPeers}, deps.Conns, deps.Sinks, clock, logger)
	m.registry.onRemove = m.peerRemoved
	return m
}

// OnError registers a hook for errors meant for the user. It is called on
// the event loop and must not block. Set it before Run.
func (m *Manager) OnError(fn func(error)) { m.onError = fn }

func (m *Manager) Mutes() *MuteStore     { return m.mutes }
func (m *Manager) Levels() *LevelSampler { return m.levels }
func (m *Manager) Alerts() *AlertBoard   { return m.alerts }

// Run acquires local media, starts the periodic tasks and processes events
// until ctx is done. On exit every session is released.
func (m *Manager) Run(ctx context.Context) error {
	m.start(ctx)
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case fn := <-m.events:
			fn()
		}
	}
}

func (m *Manager) start(ctx context.Context) {
	m.acquireMedia(ctx)
	m.every(m.cfg.HealthInterval, m.checkHealth)
	m.every(m.cfg.SweepInterval, m.sweep)
	m.every(m.cfg.CandidateFlushInterval, m.flushTick)
	m.every(m.cfg.HeartbeatInterval, m.heartbeat)
	m.every(m.cfg.LevelInterval, m.sampleLevels)
	m.log.Info().Int("max_peers", m.cfg.MaxPeers).Bool("can_transmit", m.local.CanTransmit).Msg("mesh started")
}

func (m *Manager) shutdown() {
	m.tasks.cancelAll()
	m.disarmGrace()
	for _, id := range m.registry.IDs() {
		m.registry.Remove(id)
	}
	m.releaseMedia()
	m.log.Info().Msg("mesh stopped")
}

func (m *Manager) post(fn func()) {
	if m.inline {
		m.queue = append(m.queue, fn)
		if m.draining {
			return
		}
		m.draining = true
		for len(m.queue) > 0 {
			next := m.queue[0]
			m.queue = m.queue[1:]
			next()
		}
		m.draining = false
		return
	}
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	m.post(func() { res <- fn() })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return errors.New("mesh stopped")
	}
}

// every re-arms itself on the clock so fake clocks drive periodic work too.
func (m *Manager) every(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	var arm func()
	arm = func() {
		m.clock.AfterFunc(d, func() {
			m.post(func() {
				fn()
				arm()
			})
		})
	}
	arm()
}

func (m *Manager) raise(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}

func (m *Manager) acquireMedia(ctx context.Context) {
	if m.media == nil {
		m.local.CanTransmit = false
		return
	}
	track, err := m.media.Acquire(ctx)
	if err != nil {
		merr := &core.MediaAcquisitionError{Err: err}
		m.log.Error().Err(err).Msg("local audio unavailable, joining receive-only")
		m.alerts.Raise(AlertMediaAcquisition, merr)
		m.raise(merr)
		m.local.CanTransmit = false
		return
	}
	m.alerts.Clear(AlertMediaAcquisition)
	m.localTrack = track
	m.local.CanTransmit = true
	m.local.HasActiveStream = true
}

func (m *Manager) releaseMedia() {
	if m.media != nil && m.local.HasActiveStream {
		m.media.Release()
	}
	m.localTrack = nil
	m.local.HasActiveStream = false
}

// peerRemoved drops everything keyed to peer besides presence data.
func (m *Manager) peerRemoved(peer domain.PeerID) {
	m.tasks.cancelPeer(peer)
	m.levels.Forget(peer)
	kept := m.outbox[:0]
	for _, msg := range m.outbox {
		if msg.ToPeer != peer {
			kept = append(kept, msg)
		}
	}
	m.outbox = kept
}

// send delivers msg or parks it in the outbox while the relay is unreachable.
func (m *Manager) send(msg *signaling.Message) {
	if msg.RoomID == "" {
		msg.RoomID = m.cfg.Room
	}
	err := m.transport.Send(msg)
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrSignalingNotReady) || errors.Is(err, core.ErrBackpressure) {
		if msg.Type == signaling.TypeHeartbeat {
			return
		}
		if len(m.outbox) >= m.cfg.OutboxLimit && len(m.outbox) > 0 {
			m.outbox = m.outbox[1:]
		}
		m.outbox = append(m.outbox, msg)
		m.log.Debug().Str("type", string(msg.Type)).Int("outbox", len(m.outbox)).Msg("signal queued")
		return
	}
	m.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("signal send failed")
}

func (m *Manager) flushOutbox() {
	if len(m.outbox) == 0 {
		return
	}
	queued := m.outbox
	m.outbox = nil
	for i, msg := range queued {
		if err := m.transport.Send(msg); err != nil {
			m.outbox = queued[i:]
			return
		}
	}
	m.log.Debug().Int("sent", len(queued)).Msg("outbox flushed")
}

func (m *Manager) announce() {
	if m.left {
		return
	}
	m.send(signaling.JoinVoice(m.cfg.Room, m.cfg.LocalID, m.cfg.DisplayName))
	if m.local.Muted {
		m.send(signaling.MuteChanged(m.cfg.Room, m.cfg.LocalID, true))
	}
	m.send(signaling.RequestParticipants(m.cfg.Room, m.cfg.LocalID))
	m.announced = true
}

func (m *Manager) heartbeat() {
	if !m.transportUp || m.left || !m.announced {
		return
	}
	states := make(map[domain.PeerID]signaling.LinkReport, m.registry.Len())
	m.registry.each(func(s *PeerSession) {
		states[s.PeerID] = signaling.LinkReport{ConnectionState: s.State.String(), LinkState: s.Link.String()}
	})
	m.send(signaling.Heartbeat(m.cfg.Room, m.cfg.LocalID, states))
}

func (m *Manager) sampleLevels() {
	if m.media != nil && m.local.HasActiveStream {
		level := m.media.Level()
		if m.local.Muted {
			level = 0
		}
		m.levels.Observe(m.cfg.LocalID, level)
	}
	m.registry.each(func(s *PeerSession) {
		if s.sink != nil {
			m.levels.Observe(s.PeerID, s.sink.Level())
		}
	})
}
