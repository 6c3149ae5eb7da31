package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/core"
)

// BindMediaHandlers subscribes every data channel the peer opens to the session and
// forwards its messages upstream. The handle is detached when the connection closes.
func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, h *app.Handle, sinkFor func(*webrtc.DataChannel) core.Sink) {
	sid := h.ID
	mc.OnDataChannel(func(ctx context.Context, dc *webrtc.DataChannel) {
		o.OnDataChannel(ctx, h, dc, sinkFor(dc))
	})
	mc.OnClosed(func() {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("media connection closed")
		o.Detach(h)
	})
}

// OnDataChannel is called when the remote peer opens a data channel.
func (o *Orchestrator) OnDataChannel(ctx context.Context, h *app.Handle, dc *webrtc.DataChannel, sink core.Sink) {
	sid := h.ID
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("label", dc.Label()).Logger()

	sub, err := o.Subscribe(sid, "datachannel:"+dc.Label(), sink)
	if err != nil {
		logger.Warn().Err(err).Msg("data channel subscribe failed")
		_ = dc.Close()
		return
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := o.Send(ctx, sid, core.Frame(msg.Data)); err != nil {
			logger.Debug().Err(err).Msg("data channel input not forwarded")
		}
	})
	dc.OnClose(func() {
		logger.Info().Msg("data channel closed")
		o.Unsubscribe(sid, sub)
	})
	logger.Info().Msg("data channel subscribed")
}
