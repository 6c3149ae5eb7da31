package signal

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

// wsSink delivers session events to a WebSocket client as data-channel JSON.
type wsSink struct {
	conn *WsSignalConn
}

func (s *wsSink) Handle(ctx context.Context, ev domain.Event) error {
	msg, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, msg)
}

func (s *wsSink) OnDetach(reason error) {
	code := websocket.CloseGoingAway
	if errors.Is(reason, router.ErrSlowSubscriber) {
		code = websocket.ClosePolicyViolation
	}
	s.conn.CloseWithReason(code, reason.Error())
}
