package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type recvResult struct {
	ev  domain.Event
	err error
}

type fakeConn struct {
	recv chan recvResult
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	sent []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan recvResult, 8), done: make(chan struct{})}
}

func (c *fakeConn) Recv(ctx context.Context) (domain.Event, error) {
	select {
	case r := <-c.recv:
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Send(_ context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrTransport
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(f))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type dialResult struct {
	conn core.UpstreamConn
	err  error
}

type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	calls   int
}

func newFakeDialer() *fakeDialer { return &fakeDialer{results: make(chan dialResult, 16)} }

func (d *fakeDialer) Dial(ctx context.Context, _ domain.SessionID, _ domain.SessionConfig) (core.UpstreamConn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeLifecycle struct {
	mu     sync.Mutex
	states []string
}

func (l *fakeLifecycle) record(s string) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *fakeLifecycle) MarkConnecting() error     { l.record("connecting"); return nil }
func (l *fakeLifecycle) MarkActive() error         { l.record("active"); return nil }
func (l *fakeLifecycle) MarkDegraded(string) error { l.record("degraded"); return nil }
func (l *fakeLifecycle) Close(reason string)       { l.record("closed:" + reason) }

func (l *fakeLifecycle) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

func (l *fakeLifecycle) last() string {
	s := l.snapshot()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type fakePublisher struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (p *fakePublisher) Publish(ev domain.Event) error {
	p.mu.Lock()
	p.evs = append(p.evs, ev)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) stateKinds(kind string) []domain.StateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StateChange
	for _, ev := range p.evs {
		if sc, ok := ev.(domain.StateChange); ok && sc.Kind == kind {
			out = append(out, sc)
		}
	}
	return out
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.evs)
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (r *delayRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	sup    *Supervisor
	dialer *fakeDialer
	life   *fakeLifecycle
	pub    *fakePublisher
	delays *delayRecorder
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		life:   &fakeLifecycle{},
		pub:    &fakePublisher{},
		delays: &delayRecorder{},
		done:   make(chan error, 1),
	}
	h.sup = New("room1", domain.SessionConfig{"model": "m1"}, cfg, h.dialer, h.pub, h.life,
		WithAfter(h.delays.after), WithRand(func() float64 { return 0.5 }))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func TestConfig_Delay(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, c.Delay(1, 0.5))
	assert.Equal(t, time.Second, c.Delay(2, 0.5))
	assert.Equal(t, 2*time.Second, c.Delay(3, 0.5))
	assert.Equal(t, 400*time.Millisecond, c.Delay(1, 0))
	assert.Equal(t, 600*time.Millisecond, c.Delay(1, 1))
	assert.Equal(t, 10*time.Second, c.Delay(10, 0.5))
	assert.Equal(t, 500*time.Millisecond, c.Delay(0, 0.5))
}

func TestSupervisor_GivesUpOnceAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	h := start(t, cfg)
	for range cfg.MaxAttempts + 1 {
		h.dialer.results <- dialResult{err: errors.New("refused")}
	}

	err := h.wait(t)
	require.ErrorIs(t, err, ErrConnectionFailed)

	failed := h.pub.stateKinds(domain.StateKindConnectionFailed)
	require.Len(t, failed, 1)
	attempts, _ := failed[0].Get("attempts")
	assert.Equal(t, cfg.MaxAttempts, attempts)

	assert.Equal(t, cfg.MaxAttempts+1, h.dialer.callCount())
	assert.Equal(t, []string{"connecting", "closed:connection_failed"}, h.life.snapshot())

	want := make([]time.Duration, 0, cfg.MaxAttempts)
	for k := 1; k <= cfg.MaxAttempts; k++ {
		want = append(want, cfg.Delay(k, 0.5))
	}
	assert.Equal(t, want, h.delays.snapshot())
}

func TestSupervisor_PublishesUpstreamEvents(t *testing.T) {
	h := start(t, DefaultConfig())
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}

	conn.recv <- recvResult{ev: domain.TranscriptDelta{Text: "hi", Speaker: domain.SpeakerUser}}
	conn.recv <- recvResult{ev: domain.ResponseChunk{ResponseID: "r1", Text: "hello"}}
	require.Eventually(t, func() bool { return h.pub.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"connecting", "active"}, h.life.snapshot())
}

func TestSupervisor_ReconnectReplaysOutboxInOrder(t *testing.T) {
	h := start(t, DefaultConfig())
	conn1 := newFakeConn()
	h.dialer.results <- dialResult{conn: conn1}
	require.Eventually(t, h.sup.Connected, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.sup.Send(ctx, core.Frame("x")))
	assert.Equal(t, []string{"x"}, conn1.frames())

	conn1.recv <- recvResult{err: io.ErrUnexpectedEOF}
	require.Eventually(t, func() bool { return h.life.last() == "degraded" }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.sup.Connected())

	require.NoError(t, h.sup.Send(ctx, core.Frame("a")))
	require.NoError(t, h.sup.Send(ctx, core.Frame("b")))
	assert.Equal(t, 2, h.sup.Pending())

	conn2 := newFakeConn()
	h.dialer.results <- dialResult{conn: conn2}
	require.Eventually(t, h.sup.Connected, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.sup.Send(ctx, core.Frame("c")))

	assert.Equal(t, []string{"a", "b", "c"}, conn2.frames())
	reconnected := h.pub.stateKinds(domain.StateKindReconnected)
	require.Len(t, reconnected, 1)
	attempts, _ := reconnected[0].Get("attempts")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []time.Duration{DefaultConfig().Delay(1, 0.5)}, h.delays.snapshot())

	h.cancel()
	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"connecting", "active", "degraded", "active"}, h.life.snapshot())
}

func TestSupervisor_DataLossOncePerEpisode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxSize = 2
	h := start(t, cfg)
	ctx := context.Background()

	for _, f := range []string{"a", "b", "c", "d"} {
		require.NoError(t, h.sup.Send(ctx, core.Frame(f)))
	}
	assert.Len(t, h.pub.stateKinds(domain.StateKindDataLoss), 1)
	assert.Equal(t, 2, h.sup.Lost())

	conn1 := newFakeConn()
	h.dialer.results <- dialResult{conn: conn1}
	require.Eventually(t, h.sup.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "d"}, conn1.frames())

	conn1.recv <- recvResult{err: io.EOF}
	require.Eventually(t, func() bool { return h.life.last() == "degraded" }, 2*time.Second, 5*time.Millisecond)

	for _, f := range []string{"e", "f", "g"} {
		require.NoError(t, h.sup.Send(ctx, core.Frame(f)))
	}
	assert.Len(t, h.pub.stateKinds(domain.StateKindDataLoss), 2)

	conn2 := newFakeConn()
	h.dialer.results <- dialResult{conn: conn2}
	require.Eventually(t, h.sup.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"f", "g"}, conn2.frames())
}

func TestSupervisor_CancelWhileDialing(t *testing.T) {
	h := start(t, DefaultConfig())
	require.Eventually(t, func() bool { return h.dialer.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.cancel()
	require.NoError(t, h.wait(t))
	assert.Empty(t, h.pub.stateKinds(domain.StateKindConnectionFailed))
}
