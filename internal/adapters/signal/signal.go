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

	"github.com/dkeye/VoiceGateway/internal/app/orch"
	"github.com/dkeye/VoiceGateway/internal/auth"
	"github.com/dkeye/VoiceGateway/internal/core"
)

var ErrConnClosed = errors.New("connection closed")

const (
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Issuer     *auth.Issuer
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, iss *auth.Issuer, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &SignalWSController{
		Orch:       o,
		Issuer:     iss,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return core.ErrBackpressure
	}
}

// Send queues f for the write pump, waiting for room until ctx ends.
func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WsSignalConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// CloseWithReason sends a close frame before closing.
func (c *WsSignalConn) CloseWithReason(code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents subscribes a WebSocket client to the session named in its grant.
func (ctl *SignalWSController) HandleEvents(ctx context.Context, c *gin.Context) {
	claims, cfg, ok := Authorize(c, ctl.Issuer)
	if !ok {
		return
	}
	sid := claims.SessionID()
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("identity", claims.Subject).Logger()

	if !claims.CanJoin(sid) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "grant does not allow joining"})
		return
	}
	h, err := ctl.Orch.Open(sid, cfg)
	if err != nil {
		WriteError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		ctl.Orch.Detach(h)
		return
	}
	logger.Info().Msg("new WS connection")

	conn := newWsSignalConn(ws)
	sink := &wsSink{conn: conn}
	sub, err := ctl.Orch.Subscribe(sid, "ws:"+claims.Subject, sink)
	if err != nil {
		logger.Warn().Err(err).Msg("subscribe failed")
		conn.CloseWithReason(websocket.CloseTryAgainLater, err.Error())
		ctl.Orch.Detach(h)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, &client{claims: claims, handle: h}, conn)
		ctl.Orch.Unsubscribe(sid, sub)
		ctl.Orch.Detach(h)
	}()
}
