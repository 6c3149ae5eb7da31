package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type recordingSink struct {
	fn       func(ctx context.Context, ev domain.Event) error
	mu       sync.Mutex
	got      []domain.Event
	detached chan error
}

func newRecordingSink(fn func(ctx context.Context, ev domain.Event) error) *recordingSink {
	return &recordingSink{fn: fn, detached: make(chan error, 1)}
}

func (s *recordingSink) Handle(ctx context.Context, ev domain.Event) error {
	if s.fn != nil {
		if err := s.fn(ctx, ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) OnDetach(reason error) { s.detached <- reason }

func (s *recordingSink) events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.got...)
}

func (s *recordingSink) waitDetach(t *testing.T) error {
	t.Helper()
	select {
	case reason := <-s.detached:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("sink was not detached")
		return nil
	}
}

// gated blocks every call until gate is closed and closes started on the first call.
func gated(started chan<- struct{}, gate <-chan struct{}) func(context.Context, domain.Event) error {
	var once sync.Once
	return func(ctx context.Context, _ domain.Event) error {
		once.Do(func() { close(started) })
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func chunk(id string, seq uint64) domain.ResponseChunk {
	return domain.ResponseChunk{ResponseID: id, Text: "x", Sequence: seq}
}

func sequences(evs []domain.Event) []uint64 {
	out := make([]uint64, 0, len(evs))
	for _, ev := range evs {
		if c, ok := ev.(domain.ResponseChunk); ok {
			out = append(out, c.Sequence)
		}
	}
	return out
}

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r := New(context.Background(), "room1", cfg)
	t.Cleanup(r.Stop)
	return r
}

func TestRouter_FIFOPerSubscriber(t *testing.T) {
	r := newTestRouter(t, Config{})
	a := newRecordingSink(nil)
	b := newRecordingSink(nil)
	_, err := r.Subscribe("a", a)
	require.NoError(t, err)
	_, err = r.Subscribe("b", b)
	require.NoError(t, err)

	want := make([]uint64, 0, 100)
	for i := range uint64(100) {
		require.NoError(t, r.Publish(chunk("r1", i)))
		want = append(want, i)
	}

	require.Eventually(t, func() bool { return len(a.events()) == 100 && len(b.events()) == 100 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sequences(a.events()))
	assert.Equal(t, want, sequences(b.events()))
}

func TestRouter_DropsStaleChunks(t *testing.T) {
	r := newTestRouter(t, Config{})
	s := newRecordingSink(nil)
	_, err := r.Subscribe("s", s)
	require.NoError(t, err)

	final := chunk("r1", 4)
	final.Final = true
	bare := domain.ResponseChunk{Text: "x", Final: true}
	for _, ev := range []domain.Event{
		chunk("r1", 1), chunk("r1", 2), chunk("r1", 1), chunk("r1", 3), final,
		final, chunk("r1", 2), chunk("r1", 5), chunk("r2", 0), bare, bare,
	} {
		require.NoError(t, r.Publish(ev))
	}

	require.Eventually(t, func() bool { return len(s.events()) == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 0, 0, 0}, sequences(s.events()))
	assert.Equal(t, uint64(3), r.Stats().Dropped)
	require.Eventually(t, func() bool { return r.Stats().Delivered == 8 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_FailingSinkIsIsolated(t *testing.T) {
	r := newTestRouter(t, Config{})
	var calls atomic.Int32
	bad := newRecordingSink(func(context.Context, domain.Event) error {
		calls.Add(1)
		return errors.New("write failed")
	})
	good := newRecordingSink(nil)
	_, err := r.Subscribe("bad", bad)
	require.NoError(t, err)
	_, err = r.Subscribe("good", good)
	require.NoError(t, err)

	for i := range uint64(3) {
		require.NoError(t, r.Publish(chunk("r1", i)))
	}

	reason := bad.waitDetach(t)
	assert.ErrorIs(t, reason, ErrSubscriber)
	require.Eventually(t, func() bool { return len(good.events()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	st := r.Stats()
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestRouter_SinkPanicIsRecovered(t *testing.T) {
	r := newTestRouter(t, Config{})
	bad := newRecordingSink(func(context.Context, domain.Event) error { panic("boom") })
	good := newRecordingSink(nil)
	_, err := r.Subscribe("bad", bad)
	require.NoError(t, err)
	_, err = r.Subscribe("good", good)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))

	reason := bad.waitDetach(t)
	assert.ErrorIs(t, reason, ErrSubscriber)
	assert.Contains(t, reason.Error(), "sink panic")
	require.Eventually(t, func() bool { return len(good.events()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_SinkTimeout(t *testing.T) {
	r := newTestRouter(t, Config{SinkTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	slow := newRecordingSink(func(context.Context, domain.Event) error {
		<-release
		return nil
	})
	_, err := r.Subscribe("slow", slow)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))
	reason := slow.waitDetach(t)
	assert.ErrorIs(t, reason, ErrSubscriber)
	assert.ErrorIs(t, reason, ErrSinkTimeout)
}

func TestRouter_OverflowEvictsSupersededEvents(t *testing.T) {
	r := newTestRouter(t, Config{
		BufferSize:  3,
		SinkTimeout: 5 * time.Second,
		Policy: app.PolicyFunc(func(domain.SessionID, string, domain.Event) app.BackpressureAction {
			return app.Enqueue
		}),
	})
	started := make(chan struct{})
	gate := make(chan struct{})
	s := newRecordingSink(gated(started, gate))
	_, err := r.Subscribe("s", s)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))
	<-started

	metric, err := domain.NewMetricSample(domain.MetricLLM, map[string]any{"ttft": 0.2})
	require.NoError(t, err)
	final := domain.TranscriptDelta{Text: "done", IsFinal: true, Speaker: domain.SpeakerUser}

	for _, ev := range []domain.Event{
		domain.TranscriptDelta{Text: "a", Speaker: domain.SpeakerUser},
		metric,
		chunk("r1", 1),
		domain.TranscriptDelta{Text: "b", Speaker: domain.SpeakerUser}, // evicts "a"
		chunk("r1", 2), // evicts "b"
		chunk("r1", 3), // evicts the metric
		metric,         // dropped
		final,          // enqueued past the bound by policy
	} {
		require.NoError(t, r.Publish(ev))
	}
	assert.Equal(t, 4, r.Stats().Queued)
	close(gate)

	require.Eventually(t, func() bool { return len(s.events()) == 5 }, 2*time.Second, 5*time.Millisecond)
	got := s.events()
	assert.Equal(t, []uint64{0, 1, 2, 3}, sequences(got))
	assert.Equal(t, final, got[4])

	require.Eventually(t, func() bool { return r.Stats().Delivered == 5 }, 2*time.Second, 5*time.Millisecond)
	st := r.Stats()
	assert.Equal(t, uint64(9), st.Published)
	assert.Equal(t, uint64(4), st.Dropped)
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.Shed)
}

func TestRouter_EnqueuePolicyIsCapped(t *testing.T) {
	r := newTestRouter(t, Config{
		BufferSize:  2,
		SinkTimeout: 5 * time.Second,
		Policy: app.PolicyFunc(func(domain.SessionID, string, domain.Event) app.BackpressureAction {
			return app.Enqueue
		}),
	})
	started := make(chan struct{})
	gate := make(chan struct{})
	s := newRecordingSink(gated(started, gate))
	_, err := r.Subscribe("s", s)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))
	<-started
	for i := range uint64(4) {
		require.NoError(t, r.Publish(chunk("r1", i+1)))
	}
	assert.Equal(t, 4, r.Stats().Queued)
	assert.Empty(t, s.detached)

	require.NoError(t, r.Publish(chunk("r1", 5)))
	assert.Equal(t, uint64(1), r.Stats().Shed)
	close(gate)
	assert.ErrorIs(t, s.waitDetach(t), ErrSlowSubscriber)
}

func TestRouter_ShedsSlowSubscriber(t *testing.T) {
	r := newTestRouter(t, Config{BufferSize: 1, SinkTimeout: 5 * time.Second})
	started := make(chan struct{})
	gate := make(chan struct{})
	slow := newRecordingSink(gated(started, gate))
	fast := newRecordingSink(nil)
	_, err := r.Subscribe("slow", slow)
	require.NoError(t, err)
	_, err = r.Subscribe("fast", fast)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))
	<-started
	require.NoError(t, r.Publish(chunk("r1", 1)))
	require.NoError(t, r.Publish(chunk("r1", 2)))
	close(gate)

	assert.ErrorIs(t, slow.waitDetach(t), ErrSlowSubscriber)
	require.Eventually(t, func() bool { return len(fast.events()) == 3 }, 2*time.Second, 5*time.Millisecond)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Shed)
	assert.Equal(t, 1, st.Subscribers)
}

func TestRouter_CloseDrainsQueued(t *testing.T) {
	r := newTestRouter(t, Config{SinkTimeout: 5 * time.Second})
	started := make(chan struct{})
	gate := make(chan struct{})
	s := newRecordingSink(gated(started, gate))
	_, err := r.Subscribe("s", s)
	require.NoError(t, err)

	require.NoError(t, r.Publish(chunk("r1", 0)))
	<-started
	require.NoError(t, r.Publish(chunk("r1", 1)))
	require.NoError(t, r.Publish(chunk("r1", 2)))

	r.Close()
	assert.ErrorIs(t, r.Publish(chunk("r1", 3)), ErrRouterClosed)
	_, err = r.Subscribe("late", newRecordingSink(nil))
	assert.ErrorIs(t, err, ErrRouterClosed)

	close(gate)
	r.Wait()
	assert.Equal(t, []uint64{0, 1, 2}, sequences(s.events()))
	assert.ErrorIs(t, s.waitDetach(t), ErrRouterClosed)
}

func TestRouter_UnsubscribeDoesNotDetach(t *testing.T) {
	r := newTestRouter(t, Config{})
	s := newRecordingSink(nil)
	sub, err := r.Subscribe("s", s)
	require.NoError(t, err)

	r.Unsubscribe(sub)
	<-sub.Done()
	require.NoError(t, r.Publish(chunk("r1", 0)))

	assert.Empty(t, s.events())
	assert.Empty(t, s.detached)
	assert.Zero(t, r.Stats().Subscribers)
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(Config{})
	ctx := context.Background()

	assert.ErrorIs(t, m.Publish("room1", chunk("r1", 0)), ErrNoRouter)
	_, err := m.Subscribe("room1", "s", newRecordingSink(nil))
	assert.ErrorIs(t, err, ErrNoRouter)

	first := m.Start(ctx, "room1")
	s := newRecordingSink(nil)
	_, err = m.Subscribe("room1", "s", s)
	require.NoError(t, err)
	require.NoError(t, m.Publish("room1", chunk("r1", 0)))
	require.Eventually(t, func() bool { return len(s.events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	second := m.Start(ctx, "room1")
	assert.True(t, first.Closed())
	assert.ErrorIs(t, s.waitDetach(t), ErrRouterClosed)

	// Stopping the replaced router must not remove its successor.
	m.Stop("room1", first)
	got, ok := m.Get("room1")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.Len(t, m.StopAll(), 1)
	assert.Zero(t, m.Count())
	assert.True(t, second.Closed())
}
