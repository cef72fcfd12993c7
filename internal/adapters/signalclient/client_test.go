package signalclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	ups   int
	downs int
	msgs  []*signaling.Message
}

func (r *recorder) TransportUp() {
	r.mu.Lock()
	r.ups++
	r.mu.Unlock()
}

func (r *recorder) TransportDown() {
	r.mu.Lock()
	r.downs++
	r.mu.Unlock()
}

func (r *recorder) Deliver(msg *signaling.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ups, r.downs, len(r.msgs)
}

// relayStub accepts sockets and hands them to the test.
func relayStub(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func TestBuildURL(t *testing.T) {
	u, err := BuildURL("ws://relay:8080/api/ws/signal", "room-1", "peer-a", "Ann Lee")
	require.NoError(t, err)
	assert.Contains(t, u, "room=room-1")
	assert.Contains(t, u, "peer_id=peer-a")
	assert.Contains(t, u, "display_name=Ann+Lee")
}

func TestSendBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1", core.Backoff{Base: time.Millisecond, Max: time.Millisecond})
	assert.False(t, c.Connected())
	err := c.Send(signaling.Heartbeat("r", "a", nil))
	assert.ErrorIs(t, err, core.ErrSignalingNotReady)
}

func TestClientExchangesAndRedials(t *testing.T) {
	url, conns := relayStub(t)
	rec := &recorder{}
	c := New(url, core.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond})
	c.SetListener(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var server *websocket.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed")
	}
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	// relay -> agent
	data, err := signaling.Encode(signaling.Participants("r", []domain.Participant{{PeerID: "b", DisplayName: "Bob"}}))
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, data))
	require.Eventually(t, func() bool {
		_, _, n := rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	// agent -> relay
	require.NoError(t, c.Send(signaling.MuteChanged("r", "a", true)))
	_ = server.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := server.ReadMessage()
	require.NoError(t, err)
	got, err := signaling.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, signaling.TypeMuteChanged, got.Type)

	// relay drops the socket, client comes back
	require.NoError(t, server.Close())
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never redialed")
	}
	require.Eventually(t, func() bool {
		ups, downs, _ := rec.counts()
		return ups == 2 && downs == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	_ = server.Close()
	assert.False(t, c.Connected())
}

func TestBackpressure(t *testing.T) {
	conn := &wsConn{send: make(chan core.Frame, 1)}
	require.NoError(t, conn.TrySend(core.Frame("a")))
	assert.ErrorIs(t, conn.TrySend(core.Frame("b")), core.ErrBackpressure)
}
