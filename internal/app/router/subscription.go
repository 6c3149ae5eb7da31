package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type SubState int32

const (
	SubStateOk SubState = iota
	SubStateDraining
	SubStateDelete
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	evictedOlder
	droppedIncoming
	shed
	rejectedClosed
)

// Subscription is one sink registered on a router. Events reach the sink in publish
// order from a dedicated goroutine, so a slow sink only delays itself.
type Subscription struct {
	ID   string
	Name string

	sink  core.Sink
	state atomic.Int32 // Zero by default (SubStateOk)

	mu     sync.Mutex
	queue  []domain.Event
	closed bool
	reason error // nil when the subscriber left on its own

	wake chan struct{}
	done chan struct{}

	seq *seqTracker
}

func newSubscription(id, name string, sink core.Sink) *Subscription {
	return &Subscription{
		ID:   id,
		Name: name,
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		seq:  newSeqTracker(),
	}
}

func (s *Subscription) GetState() SubState { return SubState(s.state.Load()) }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// maxOverflow caps how far past its bound a queue may grow when the policy says Enqueue.
const maxOverflow = 2

// enqueue applies the overflow rules when the queue is at limit:
// evict an older interim transcript delta, then an older metric sample; otherwise drop
// the incoming event if it is droppable, else ask the policy. A queue already at
// maxOverflow times its limit is shed whatever the policy says.
func (s *Subscription) enqueue(sid domain.SessionID, ev domain.Event, limit int, policy app.Policy) enqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rejectedClosed
	}

	res := enqueued
	if limit > 0 && len(s.queue) >= limit {
		if i := evictIndex(s.queue, ev); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			res = evictedOlder
		} else if domain.Droppable(ev) {
			return droppedIncoming
		} else if len(s.queue) >= limit*maxOverflow || policy.OnBackPressure(sid, s.Name, ev) != app.Enqueue {
			return shed
		}
	}
	s.queue = append(s.queue, ev)
	s.signal()
	return res
}

// evictIndex picks the queued event to sacrifice for ev, or -1.
func evictIndex(queue []domain.Event, ev domain.Event) int {
	if d, ok := ev.(domain.TranscriptDelta); ok {
		for i, q := range queue {
			if qd, ok := q.(domain.TranscriptDelta); ok && qd.Interim() && qd.Speaker == d.Speaker {
				return i
			}
		}
	}
	for i, q := range queue {
		if qd, ok := q.(domain.TranscriptDelta); ok && qd.Interim() {
			return i
		}
	}
	for i, q := range queue {
		if _, ok := q.(domain.MetricSample); ok {
			return i
		}
	}
	return -1
}

// stop ends the subscription. With drain set, already queued events are still delivered.
func (s *Subscription) stop(reason error, drain bool) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.reason = reason
	}
	if drain {
		s.state.CompareAndSwap(int32(SubStateOk), int32(SubStateDraining))
	} else {
		s.queue = nil
		s.state.Store(int32(SubStateDelete))
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) next(ctx context.Context) (domain.Event, bool) {
	for {
		s.mu.Lock()
		if s.GetState() == SubStateDelete {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

var errStopped = errors.New("router stopped")

// deliver calls the sink with a per-call timeout. Errors, panics and timeouts all come
// back as ErrSubscriber.
func (s *Subscription) deliver(ctx context.Context, ev domain.Event, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var (
			pc  panics.Catcher
			err error
		)
		pc.Try(func() { err = s.sink.Handle(callCtx, ev) })
		if r := pc.Recovered(); r != nil {
			err = fmt.Errorf("sink panic: %w", r.AsError())
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSubscriber, err)
		}
		return nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return errStopped
		}
		return fmt.Errorf("%w: %w", ErrSubscriber, ErrSinkTimeout)
	}
}

func (s *Subscription) detach() {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	if reason == nil {
		return
	}
	if d, ok := s.sink.(core.Detacher); ok {
		d.OnDetach(reason)
	}
}
