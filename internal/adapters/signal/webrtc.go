package signal

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/adapters/rtc"
	"github.com/dkeye/VoiceGateway/internal/core"
)

type offerRequest struct {
	Token string `json:"token"`
	SDP   string `json:"sdp" binding:"required"`
}

// HandleOffer answers a WebRTC offer. Every data channel the peer opens becomes a
// subscriber of the session named in the grant.
func (ctl *SignalWSController) HandleOffer(ctx context.Context, c *gin.Context) {
	var p offerRequest
	if err := c.ShouldBindJSON(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad offer payload"})
		return
	}
	token := p.Token
	if token == "" {
		token = BearerToken(c)
	}
	claims, cfg, ok := AuthorizeToken(c, ctl.Issuer, token)
	if !ok {
		return
	}
	sid := claims.SessionID()
	if !claims.CanJoin(sid) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "grant does not allow joining"})
		return
	}

	h, err := ctl.Orch.Open(sid, cfg)
	if err != nil {
		WriteError(c, err)
		return
	}

	wc, err := rtc.NewWebRTCConnection(rtc.DefaultWebRTCConfig(), sid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
		ctl.Orch.Detach(h)
		WriteError(c, err)
		return
	}

	ctl.Orch.BindMediaHandlers(wc, h, func(dc *webrtc.DataChannel) core.Sink {
		return rtc.NewDataChannelSink(dc)
	})

	if err = wc.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
		wc.Close()
		WriteError(c, err)
		return
	}

	answer, err := wc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		wc.Close()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type": "answer",
		"sdp":  answer.SDP,
	})
}
