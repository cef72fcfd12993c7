package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages(t *testing.T) []*signaling.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*signaling.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := signaling.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) ofType(t *testing.T, typ signaling.Type) []*signaling.Message {
	t.Helper()
	var out []*signaling.Message
	for _, m := range c.messages(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeBus struct {
	mu        sync.Mutex
	published []Envelope
}

func (b *fakeBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Run(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PresenceGrace = 0
	return opts
}

func connect(t *testing.T, h *Hub, room domain.RoomID, peer domain.PeerID) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c, err := h.Connect(room, peer, "name-"+string(peer), conn)
	require.NoError(t, err)
	return c, conn
}

func send(t *testing.T, h *Hub, c *Client, msg *signaling.Message) {
	t.Helper()
	data, err := signaling.Encode(msg)
	require.NoError(t, err)
	h.Handle(c, data)
}
