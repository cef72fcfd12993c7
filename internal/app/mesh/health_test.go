package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreeHealthFailuresExhaustReconnects(t *testing.T) {
	h := newHarness(t, "a")
	conn := h.connectAsInitiator("b")

	// first failure
	conn.link(core.LinkFailed)
	assert.Equal(t, core.StateDegraded, h.session("b").State)
	h.clock.Advance(5 * time.Second)
	assert.Nil(t, h.session("b"))
	assert.Equal(t, 1, conn.closed)
	assert.True(t, h.m.tasks.pending("b", taskReconnect))

	h.clock.Advance(800 * time.Millisecond)
	s := h.session("b")
	require.NotNil(t, s)
	assert.Equal(t, core.StateInitiating, s.State)
	assert.Equal(t, 1, s.ReconnectAttempts)

	// second failure
	h.conns.last("b").link(core.LinkFailed)
	h.clock.Advance(4200 * time.Millisecond)
	assert.Nil(t, h.session("b"))
	h.clock.Advance(1600 * time.Millisecond)
	s = h.session("b")
	require.NotNil(t, s)
	assert.Equal(t, 2, s.ReconnectAttempts)

	// third failure is terminal
	h.conns.last("b").link(core.LinkFailed)
	h.clock.Advance(3400 * time.Millisecond)
	assert.Nil(t, h.session("b"))
	assert.False(t, h.m.tasks.pending("b", taskReconnect))
	assert.Equal(t, 3, h.m.attempts["b"])

	var exhausted *core.ReconnectExhaustedError
	assert.Equal(t, 1, h.errorsOf(&exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Len(t, h.tr.ofType(signaling.TypeConnectionFailed), 3)

	h.clock.Advance(time.Minute)
	assert.Len(t, h.conns.conns["b"], 3)
	assert.Equal(t, 1, h.errorsOf(&exhausted))
	alerts := h.m.Alerts().List()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReconnectExhausted, alerts[0].Kind)

	for _, c := range h.conns.conns["b"] {
		assert.Equal(t, 1, c.closed)
	}

	require.NoError(t, h.m.Retry(context.Background(), "b"))
	assert.Len(t, h.conns.conns["b"], 4)
	assert.Empty(t, h.m.Alerts().List())
	assert.Zero(t, h.session("b").ReconnectAttempts)
}

func TestReconnectBackoffDelays(t *testing.T) {
	h := newHarness(t, "a")
	conn := h.connectAsInitiator("b")
	conn.link(core.LinkDisconnected)
	h.clock.Advance(5 * time.Second)

	h.clock.Advance(799 * time.Millisecond)
	assert.Len(t, h.conns.conns["b"], 1)
	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.conns.conns["b"], 2)

	h.conns.last("b").link(core.LinkFailed)
	h.clock.Advance(4200 * time.Millisecond)
	h.clock.Advance(1599 * time.Millisecond)
	assert.Len(t, h.conns.conns["b"], 2)
	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.conns.conns["b"], 3)
}

func TestHealthyCheckResetsAttempts(t *testing.T) {
	h := newHarness(t, "a")
	conn := h.connectAsInitiator("b")
	conn.link(core.LinkFailed)
	h.clock.Advance(5800 * time.Millisecond)

	s := h.session("b")
	require.NotNil(t, s)
	require.Equal(t, 1, s.ReconnectAttempts)
	offers := h.tr.ofType(signaling.TypeOffer)
	h.deliver(signaling.Answer("jam", "b", "a", "answer-for-"+offers[len(offers)-1].OfferSDP))
	h.conns.last("b").link(core.LinkConnected)

	h.clock.Advance(4200 * time.Millisecond)
	assert.Zero(t, s.ReconnectAttempts)
	assert.Empty(t, h.m.attempts)
	assert.Equal(t, h.clock.Now(), s.LastHealthCheckAt)
}

func TestStalledNegotiationTimesOut(t *testing.T) {
	h := newHarness(t, "a")
	h.deliver(signaling.JoinVoice("jam", "b", "Bob"))
	require.NotNil(t, h.session("b"))

	h.clock.Advance(19 * time.Second)
	require.NotNil(t, h.session("b"))
	assert.Equal(t, core.StateInitiating, h.session("b").State)

	h.clock.Advance(time.Second)
	assert.Nil(t, h.session("b"))
	assert.True(t, h.m.tasks.pending("b", taskReconnect))
}

func TestNonInitiatorAsksForReconnection(t *testing.T) {
	h := newHarness(t, "b")
	h.deliver(signaling.Offer("jam", "a", "b", "sdp-1"))
	h.conns.last("a").link(core.LinkFailed)

	h.clock.Advance(5 * time.Second)
	assert.Nil(t, h.session("a"))
	assert.Empty(t, h.tr.ofType(signaling.TypeReconnectionRequested))

	h.clock.Advance(800 * time.Millisecond)
	reqs := h.tr.ofType(signaling.TypeReconnectionRequested)
	require.Len(t, reqs, 1)
	assert.Equal(t, signaling.ReconnectionRequested("jam", "b", "a"), reqs[0])
	assert.Nil(t, h.session("a"))
	assert.Empty(t, h.tr.ofType(signaling.TypeOffer))
}

func TestConnectionFailedFromPeerFlagsSession(t *testing.T) {
	h := newHarness(t, "a")
	conn := h.connectAsInitiator("b")

	h.deliver(signaling.ConnectionFailed("jam", "b", ""))
	assert.Nil(t, h.session("b"))
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 1, h.m.attempts["b"])
	assert.True(t, h.m.tasks.pending("b", taskReconnect))
}

func TestFailedAnswerGoesThroughReconnect(t *testing.T) {
	h := newHarness(t, "a")
	h.deliver(signaling.JoinVoice("jam", "b", "Bob"))
	conn := h.conns.last("b")
	conn.answerErr = errors.New("bad sdp")

	h.deliver(signaling.Answer("jam", "b", "a", "garbage"))
	assert.Nil(t, h.session("b"))
	assert.Equal(t, 1, conn.closed)
	assert.True(t, h.m.tasks.pending("b", taskReconnect))

	h.clock.Advance(800 * time.Millisecond)
	assert.Len(t, h.conns.conns["b"], 2)
}

func TestSweepRestoresMissingSession(t *testing.T) {
	h := newHarness(t, "a")
	h.connectAsInitiator("b")
	h.connectAsInitiator("c")

	// lost without any failure being reported
	h.m.registry.Remove("c")
	h.clock.Advance(h.m.cfg.SweepInterval)

	require.NotNil(t, h.session("c"))
	assert.Equal(t, core.StateInitiating, h.session("c").State)
	assert.Len(t, h.conns.conns["c"], 2)
	assert.Len(t, h.conns.conns["b"], 1)
}
