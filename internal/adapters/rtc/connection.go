package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	cancel context.CancelFunc
	closed atomic.Bool

	onDataChannel func(ctx context.Context, dc *webrtc.DataChannel)
	onClosed      func()
	closedOnce    sync.Once
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewWebRTCConnection(cfg webrtc.Configuration, sid domain.SessionID) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, sid: sid}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info().
			Str("module", "webrtc").
			Str("sid", string(c.sid)).
			Str("label", dc.Label()).
			Msg("OnDataChannel received")
		if c.onDataChannel != nil {
			c.onDataChannel(ctx, dc)
		}
	})

	return nil
}

// ApplyOfferAndCreateAnswer answers without trickle ICE: it waits for gathering to
// complete so the answer carries every candidate.
func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("closed")
	}
	c.closedOnce.Do(func() {
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

// OnDataChannel sets the callback for data channels created by the remote peer.
func (c *WebRTCConnection) OnDataChannel(fn func(ctx context.Context, dc *webrtc.DataChannel)) {
	c.onDataChannel = fn
}

// OnClosed sets application-level callback for cleanup
func (c *WebRTCConnection) OnClosed(fn func()) { c.onClosed = fn }
