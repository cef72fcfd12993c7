package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/jamvoice/internal/app/relay"
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 32

type SignalWSController struct {
	Hub        *relay.Hub
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(hub *relay.Hub, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	return &SignalWSController{
		Hub:        hub,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades GET /api/ws/signal?room=&peer_id=&display_name=.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	room := domain.RoomID(c.Query("room"))
	peer := domain.PeerID(c.Query("peer_id"))
	name := c.Query("display_name")
	if name == "" {
		name = string(peer)
	}
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": relay.ErrRoomRequired.Error()})
		return
	}
	if _, err := domain.NewParticipant(peer, name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("ct", c.GetString("client_token")).Str("room", string(room)).Str("peer", string(peer)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
	}

	client, err := ctl.Hub.Connect(room, peer, name, conn)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("hub rejected connection")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, client, conn)
}
