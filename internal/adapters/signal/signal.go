// Package signal implements the signaling protocol over a persistent
// websocket per peer. Each connection runs one read loop, so messages
// from the same peer are handled strictly sequentially; pushes to other
// peers go through their own buffered send channels and carry no
// cross-peer ordering guarantee.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/veselov/conclave/internal/app"
	"github.com/veselov/conclave/internal/core"
	"github.com/veselov/conclave/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const writeTimeout = 5 * time.Second

type Controller struct {
	Registry *app.RoomRegistry
	Policy   app.Policy

	readLimit  int64
	pingPeriod time.Duration
	joins      *JoinRateLimiter
}

func NewController(registry *app.RoomRegistry, policy app.Policy, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{
		Registry:   registry,
		Policy:     policy,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		joins:      NewJoinRateLimiter(10, time.Minute),
	}
}

// WsConn is the websocket-backed core.SignalConn. Writes go through a
// buffered channel drained by the write pump; a full buffer reports
// backpressure instead of blocking the sender.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsConn(conn *websocket.Conn) *WsConn {
	return &WsConn{conn: conn, send: make(chan core.Frame, 32)}
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
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

// HandleSignal upgrades the HTTP request and starts the connection's
// pumps. The session lives until the read loop exits.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	conn := newWsConn(ws)
	sess := newSession(ctl, conn, token)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sess, conn)
	}()
}

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump is the connection's single reader: it serializes all message
// handling for the peer and drives the leaving transition on exit.
func (ctl *Controller) readPump(ctx context.Context, sess *Session, c *WsConn) {
	defer func() {
		sess.Disconnect()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("readPump exit")
				return
			}
			sess.Handle(ctx, data)
		}
	}
}

// broadcast fans a frame out to everyone else in the room and applies
// the backpressure policy to peers that could not take it.
func (ctl *Controller) broadcast(room *core.Room, from domain.PeerID, frame core.Frame) {
	res := room.Broadcast(from, frame)
	if ctl.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		if ctl.Policy.OnBackpressure(room.ID(), slow) != app.KickPeer {
			continue
		}
		log.Warn().Str("module", "signal").Str("room", string(room.ID())).
			Str("peer", string(slow)).Msg("kicking slow peer")
		if p, ok := room.GetPeer(slow); ok {
			// Closing the connection makes the peer's own read loop run
			// the leaving path.
			p.Conn().Close()
		}
	}
}
