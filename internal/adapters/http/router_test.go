package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/jamvoice/internal/app/relay"
	"github.com/dkeye/jamvoice/internal/config"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayServer(t *testing.T) (*httptest.Server, *relay.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "test", Secret: "test", ReadLimit: 32768, PingPeriod: 30 * time.Second}
	opts := relay.DefaultOptions()
	opts.PresenceGrace = 0
	hub := relay.NewHub(opts)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, hub))
	t.Cleanup(func() {
		cancel()
		hub.Shutdown()
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, msg *signaling.Message) {
	t.Helper()
	data, err := signaling.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn) *signaling.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := signaling.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestHealthz(t *testing.T) {
	srv, _ := relayServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies(), "client token cookie is set")
}

func TestSignalRejectsBadQuery(t *testing.T) {
	srv, _ := relayServer(t)
	resp, err := http.Get(srv.URL + "/api/ws/signal?peer_id=a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalRoundTrip(t *testing.T) {
	srv, hub := relayServer(t)
	a := dial(t, srv, "room=band&peer_id=a&display_name=Ann")
	b := dial(t, srv, "room=band&peer_id=b&display_name=Bob")

	require.Eventually(t, func() bool { return hub.Registry().Len() == 2 }, time.Second, 5*time.Millisecond)

	write(t, a, signaling.JoinVoice("band", "a", "Ann"))
	got := read(t, b)
	assert.Equal(t, signaling.TypeJoinVoice, got.Type)
	assert.Equal(t, "Ann", got.DisplayName)

	write(t, b, signaling.Offer("band", "b", "a", "v=0"))
	offer := read(t, a)
	assert.Equal(t, signaling.TypeOffer, offer.Type)
	assert.Equal(t, "v=0", offer.OfferSDP)

	write(t, b, signaling.RequestParticipants("band", "b"))
	roster := read(t, b)
	require.Equal(t, signaling.TypeParticipants, roster.Type)
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "Ann", roster.Participants[0].DisplayName)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Close())
	left := read(t, b)
	assert.Equal(t, signaling.TypeLeaveVoice, left.Type)
}
