// Package upstream connects sessions to the agent service over a WebSocket. Every text
// frame the service sends is one data-channel message.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

const defaultWriteWait = 5 * time.Second

type WSDialer struct {
	URL       string
	ReadLimit int64
	Dialer    *websocket.Dialer
}

func NewWSDialer(rawURL string, readLimit int64) *WSDialer {
	return &WSDialer{URL: rawURL, ReadLimit: readLimit, Dialer: websocket.DefaultDialer}
}

func (d *WSDialer) Dial(ctx context.Context, sid domain.SessionID, cfg domain.SessionConfig) (core.UpstreamConn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	q.Set("session", string(sid))
	q.Set("model", cfg.Model())
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrTransport, u.Host, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	logger := log.With().Str("module", "upstream").Str("sid", string(sid)).Logger()
	logger.Info().Str("host", u.Host).Msg("upstream dialed")
	return &wsConn{ws: ws, seq: protocol.NewSequencer(), logger: logger}, nil
}

type wsConn struct {
	ws     *websocket.Conn
	seq    *protocol.Sequencer
	logger zerolog.Logger

	writeMu sync.Mutex
}

// Recv skips messages it cannot decode; only transport errors end the stream.
func (c *wsConn) Recv(ctx context.Context) (domain.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", core.ErrTransport, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				c.logger.Debug().Err(err).Msg("skipping unknown message")
			} else {
				c.logger.Warn().Err(err).Msg("skipping bad message")
			}
			continue
		}
		return c.seq.Apply(ev), nil
	}
}

func (c *wsConn) Send(ctx context.Context, f core.Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, f); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
