package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type fakeTimer struct {
	clock   *fakeClock
	id      int
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock fires timers synchronously from Advance, in due order.
type fakeClock struct {
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.seq++
	t := &fakeTimer{clock: c, id: c.seq, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		next.fn()
	}
	c.now = target
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
}

type fakeConn struct {
	peer domain.PeerID

	offersCreated int
	offers        []string
	answers       []string
	candidates    []webrtc.ICECandidateInit
	tracks        int
	closed        int

	offerErr  error
	answerErr error
	// emitCandidate makes CreateOffer/ApplyOffer trickle one local candidate.
	emitCandidate bool

	onICE   func(webrtc.ICECandidateInit)
	onLink  func(core.LinkState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (c *fakeConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	c.offersCreated++
	c.trickle()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-to-%s-%d", c.peer, c.offersCreated)}, nil
}

func (c *fakeConn) ApplyOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.offers = append(c.offers, offer.SDP)
	c.trickle()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + offer.SDP}, nil
}

func (c *fakeConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answers = append(c.answers, answer.SDP)
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) AddLocalTrack(webrtc.TrackLocal) error {
	c.tracks++
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *fakeConn) OnLinkStateChange(fn func(core.LinkState)) { c.onLink = fn }

func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { c.onTrack = fn }

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) trickle() {
	if c.emitCandidate && c.onICE != nil {
		c.onICE(webrtc.ICECandidateInit{Candidate: "candidate:host-" + string(c.peer)})
	}
}

func (c *fakeConn) link(l core.LinkState) {
	if c.onLink != nil {
		c.onLink(l)
	}
}

type fakeFactory struct {
	conns         map[domain.PeerID][]*fakeConn
	emitCandidate bool
	err           error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.PeerID][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(peer domain.PeerID) (core.MediaConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peer: peer, emitCandidate: f.emitCandidate}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

func (f *fakeFactory) last(peer domain.PeerID) *fakeConn {
	list := f.conns[peer]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) closed() int {
	n := 0
	for _, list := range f.conns {
		for _, c := range list {
			n += c.closed
		}
	}
	return n
}

type fakeSink struct {
	level    float64
	closed   int
	attached int
}

func (s *fakeSink) Attach(*webrtc.TrackRemote, *webrtc.RTPReceiver) { s.attached++ }
func (s *fakeSink) Level() float64                                  { return s.level }
func (s *fakeSink) Close()                                          { s.closed++ }

type fakeSinks struct {
	sinks map[domain.PeerID][]*fakeSink
}

func (f *fakeSinks) NewSink(peer domain.PeerID) core.AudioSink {
	if f.sinks == nil {
		f.sinks = make(map[domain.PeerID][]*fakeSink)
	}
	s := &fakeSink{}
	f.sinks[peer] = append(f.sinks[peer], s)
	return s
}

type fakeMedia struct {
	err      error
	muted    bool
	level    float64
	released int
}

func (m *fakeMedia) Acquire(context.Context) (webrtc.TrackLocal, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &fakeTrack{}, nil
}

func (m *fakeMedia) SetMuted(muted bool) { m.muted = muted }
func (m *fakeMedia) Level() float64      { return m.level }
func (m *fakeMedia) Release()            { m.released++ }

// fakeTrack satisfies webrtc.TrackLocal without a real codec binding.
type fakeTrack struct{}

func (fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (fakeTrack) ID() string                            { return "audio" }
func (fakeTrack) RID() string                           { return "" }
func (fakeTrack) StreamID() string                      { return "local" }
func (fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

// fakeTransport records outbound messages. route, when set, forwards them.
type fakeTransport struct {
	up    bool
	sent  []*signaling.Message
	route func(*signaling.Message)
}

func (t *fakeTransport) Send(msg *signaling.Message) error {
	if !t.up {
		return core.ErrSignalingNotReady
	}
	t.sent = append(t.sent, msg)
	if t.route != nil {
		t.route(msg)
	}
	return nil
}

func (t *fakeTransport) Connected() bool { return t.up }

func (t *fakeTransport) ofType(typ signaling.Type) []*signaling.Message {
	var out []*signaling.Message
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) reset() { t.sent = nil }

type harness struct {
	t      *testing.T
	m      *Manager
	clock  *fakeClock
	conns  *fakeFactory
	sinks  *fakeSinks
	media  *fakeMedia
	tr     *fakeTransport
	errors []error
}

type harnessOption func(*Config, *harness)

func withMaxPeers(n int) harnessOption {
	return func(c *Config, _ *harness) { c.MaxPeers = n }
}

func withMediaError(err error) harnessOption {
	return func(_ *Config, h *harness) { h.media.err = err }
}

func newHarness(t *testing.T, local domain.PeerID, opts ...harnessOption) *harness {
	return newHarnessWithClock(t, local, newFakeClock(), opts...)
}

func newHarnessWithClock(t *testing.T, local domain.PeerID, clock *fakeClock, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clock,
		conns: newFakeFactory(),
		sinks: &fakeSinks{},
		media: &fakeMedia{},
		tr:    &fakeTransport{up: true},
	}
	cfg := DefaultConfig()
	cfg.Room = "jam"
	cfg.LocalID = local
	cfg.DisplayName = "player-" + string(local)
	for _, opt := range opts {
		opt(&cfg, h)
	}
	h.m = NewManager(cfg, Deps{
		Transport: h.tr,
		Conns:     h.conns,
		Sinks:     h.sinks,
		Media:     h.media,
		Clock:     clock,
	})
	h.m.inline = true
	h.m.OnError(func(err error) { h.errors = append(h.errors, err) })
	h.m.start(context.Background())
	h.m.TransportUp()
	return h
}

func (h *harness) deliver(msg *signaling.Message) {
	if msg.RoomID == "" {
		msg.RoomID = "jam"
	}
	h.m.Deliver(msg)
}

func (h *harness) session(peer domain.PeerID) *PeerSession {
	s, _ := h.m.registry.Get(peer)
	return s
}

func (h *harness) errorsOf(target any) int {
	n := 0
	for _, err := range h.errors {
		if errors.As(err, target) {
			n++
		}
	}
	return n
}

// connectAsInitiator drives a session with peer to Connected from the
// offering side.
func (h *harness) connectAsInitiator(peer domain.PeerID) *fakeConn {
	h.t.Helper()
	h.deliver(signaling.JoinVoice("jam", peer, "player-"+string(peer)))
	conn := h.conns.last(peer)
	offers := h.tr.ofType(signaling.TypeOffer)
	last := offers[len(offers)-1]
	h.deliver(signaling.Answer("jam", peer, h.m.cfg.LocalID, "answer-for-"+last.OfferSDP))
	conn.link(core.LinkConnected)
	return conn
}

// bus is a tiny in-memory relay for multi-agent scenarios.
type bus struct {
	agents map[domain.PeerID]*harness
	roster map[domain.PeerID]string
}

func newBus() *bus {
	return &bus{agents: make(map[domain.PeerID]*harness), roster: make(map[domain.PeerID]string)}
}

func (b *bus) attach(h *harness) {
	id := h.m.cfg.LocalID
	b.agents[id] = h
	h.tr.route = func(msg *signaling.Message) { b.route(id, msg) }
}

func (b *bus) route(from domain.PeerID, msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypeJoinVoice:
		b.roster[from] = msg.DisplayName
	case signaling.TypeRequestParticipants:
		var list []domain.Participant
		for id, name := range b.roster {
			if id != from {
				list = append(list, domain.Participant{PeerID: id, DisplayName: name})
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].PeerID < list[j].PeerID })
		b.agents[from].m.Deliver(signaling.Participants("jam", list))
		return
	}
	for id, h := range b.agents {
		if id == from || (msg.ToPeer != "" && msg.ToPeer != id) {
			continue
		}
		cp := *msg
		h.m.Deliver(&cp)
	}
}
