package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

var ErrChannelClosed = errors.New("data channel closed")

const (
	// DefaultMaxBuffered pauses delivery while more than this many bytes wait in the
	// channel's send buffer.
	DefaultMaxBuffered uint64 = 1 << 20
	lowWatermark       uint64 = 256 << 10
)

// textChannel is the part of *webrtc.DataChannel the sink writes to.
type textChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	Close() error
}

// DataChannelSink delivers session events to a client over a WebRTC data channel.
type DataChannelSink struct {
	dc          textChannel
	maxBuffered uint64
	opened      chan struct{}
	drained     chan struct{}
}

func NewDataChannelSink(dc *webrtc.DataChannel) *DataChannelSink {
	return newDataChannelSink(dc, DefaultMaxBuffered)
}

func newDataChannelSink(dc textChannel, maxBuffered uint64) *DataChannelSink {
	s := &DataChannelSink{
		dc:          dc,
		maxBuffered: maxBuffered,
		opened:      make(chan struct{}),
		drained:     make(chan struct{}, 1),
	}
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		close(s.opened)
	} else {
		dc.OnOpen(func() { close(s.opened) })
	}
	dc.SetBufferedAmountLowThreshold(min(lowWatermark, maxBuffered))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drained <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *DataChannelSink) Handle(ctx context.Context, ev domain.Event) error {
	msg, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-s.opened:
	case <-ctx.Done():
		return ctx.Err()
	}

	for s.dc.BufferedAmount() > s.maxBuffered {
		select {
		case <-s.drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch s.dc.ReadyState() {
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrChannelClosed
	}
	if err := s.dc.SendText(string(msg)); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

func (s *DataChannelSink) OnDetach(reason error) {
	log.Info().Str("module", "webrtc").Str("label", s.dc.Label()).AnErr("reason", reason).Msg("data channel detached")
	_ = s.dc.Close()
}
