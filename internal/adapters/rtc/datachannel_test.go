package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

type fakeChannel struct {
	mu       sync.Mutex
	state    webrtc.DataChannelState
	buffered uint64
	sent     []string
	onOpen   func()
	onLow    func()
	closed   bool
}

func (c *fakeChannel) Label() string { return "events" }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *fakeChannel) OnBufferedAmountLow(f func())        { c.onLow = f }
func (c *fakeChannel) OnOpen(f func())                     { c.onOpen = f }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.DataChannelStateClosed
	return nil
}

func (c *fakeChannel) set(state webrtc.DataChannelState, buffered uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.buffered = buffered
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestDataChannelSink_WaitsForOpen(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	sink := newDataChannelSink(ch, 1024)

	done := make(chan error, 1)
	go func() {
		done <- sink.Handle(context.Background(), domain.TranscriptDelta{Text: "hi", Speaker: domain.SpeakerUser})
	}()

	ch.set(webrtc.DataChannelStateOpen, 0)
	ch.onOpen()
	require.NoError(t, <-done)
	assert.Equal(t, []string{`{"type":"user_transcript","is_final":false,"text":"hi"}`}, ch.messages())
}

func TestDataChannelSink_Backpressure(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateOpen, buffered: 4096}
	sink := newDataChannelSink(ch, 1024)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Handle(ctx, domain.ResponseChunk{ResponseID: "r1", Text: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, ch.messages())

	done := make(chan error, 1)
	go func() { done <- sink.Handle(context.Background(), domain.ResponseChunk{ResponseID: "r1", Text: "y"}) }()
	ch.set(webrtc.DataChannelStateOpen, 0)
	ch.onLow()
	require.NoError(t, <-done)
	assert.Len(t, ch.messages(), 1)
}

func TestDataChannelSink_ClosedChannel(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateOpen}
	sink := newDataChannelSink(ch, 1024)

	sink.OnDetach(nil)
	assert.True(t, ch.closed)
	assert.ErrorIs(t, sink.Handle(context.Background(), domain.ResponseChunk{}), ErrChannelClosed)
}
