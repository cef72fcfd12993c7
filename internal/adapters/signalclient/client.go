// Package signalclient keeps the agent's websocket to the relay alive and
// exposes it to the mesh as a core.SignalTransport.
package signalclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/dkeye/jamvoice/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// BuildURL appends the join query the relay expects.
func BuildURL(base string, room domain.RoomID, peer domain.PeerID, displayName string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", string(room))
	q.Set("peer_id", string(peer))
	q.Set("display_name", displayName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type Client struct {
	url     string
	backoff core.Backoff
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu       sync.RWMutex
	listener core.TransportListener
	conn     *wsConn
}

func New(addr string, backoff core.Backoff) *Client {
	return &Client{
		url:     addr,
		backoff: backoff,
		dialer:  websocket.DefaultDialer,
		log:     log.With().Str("module", "signalclient").Logger(),
	}
}

// SetListener must be called before Run.
func (c *Client) SetListener(l core.TransportListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send enqueues msg on the live socket.
func (c *Client) Send(msg *signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return core.ErrSignalingNotReady
	}
	return conn.TrySend(data)
}

// Run dials the relay and redials with backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := c.backoff.Delay(failures)
			failures++
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("dial relay")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.serve(ctx, ws)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	conn := &wsConn{conn: ws, send: make(chan core.Frame, sendBuffer)}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	listener := c.listener
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("relay connected")

	if listener != nil {
		listener.TransportUp()
	}

	go c.writePump(ctx, conn)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	c.readPump(conn, listener)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.log.Warn().Msg("relay disconnected")

	if listener != nil {
		listener.TransportDown()
	}
}

func (c *Client) readPump(conn *wsConn, listener core.TransportListener) {
	defer conn.Close()

	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("readPump read error")
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad message from relay")
			continue
		}
		if listener != nil {
			listener.Deliver(msg)
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("writePump ping error")
				conn.Close()
				return
			}
		case data, ok := <-conn.send:
			if !ok {
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				conn.Close()
				return
			}
		}
	}
}

// Close drops the current socket; Run redials unless its ctx is done.
func (c *Client) Close() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSignalingNotReady
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
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
