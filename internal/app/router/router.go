package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

var (
	ErrRouterClosed   = errors.New("router closed")
	ErrSubscriber     = errors.New("subscriber error")
	ErrSinkTimeout    = errors.New("sink call timed out")
	ErrSlowSubscriber = errors.New("subscriber too slow")
	ErrNoRouter       = errors.New("no router for session")
)

const (
	DefaultBufferSize  = 256
	DefaultSinkTimeout = 300 * time.Millisecond
)

type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Policy      app.Policy
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	if c.Policy == nil {
		c.Policy = app.SimplePolicy{}
	}
	return c
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Queued      int    `json:"queued"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Shed        uint64 `json:"shed"`
	Failed      uint64 `json:"failed"`
}

// Router fans one session's events out to its subscribers. Publish never blocks on a
// sink: each subscription owns a bounded queue drained by its own goroutine.
type Router struct {
	SID domain.SessionID
	cfg Config

	// Publish holds mu exclusively so every subscriber observes the same order.
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	logger zerolog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	shed      atomic.Uint64
	failed    atomic.Uint64
}

func New(ctx context.Context, sid domain.SessionID, cfg Config) *Router {
	rctx, cancel := context.WithCancel(ctx)
	return &Router{
		SID:    sid,
		cfg:    cfg.withDefaults(),
		subs:   make(map[string]*Subscription),
		ctx:    rctx,
		cancel: cancel,
		logger: log.With().Str("module", "router").Str("sid", string(sid)).Logger(),
	}
}

// Subscribe registers sink and starts its delivery goroutine.
func (r *Router) Subscribe(name string, sink core.Sink) (*Subscription, error) {
	s := newSubscription(uuid.NewString(), name, sink)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.subs[s.ID] = s
	r.mu.Unlock()

	r.wg.Go(func() { r.run(s) })
	r.logger.Info().Str("sub", s.ID).Str("name", name).Msg("subscriber added")
	return s, nil
}

// Unsubscribe removes s without notifying its sink. Queued events are discarded.
func (r *Router) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.subs[s.ID]
	delete(r.subs, s.ID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.stop(nil, false)
	r.logger.Info().Str("sub", s.ID).Str("name", s.Name).Msg("subscriber removed")
}

// Publish enqueues ev for every current subscriber.
func (r *Router) Publish(ev domain.Event) error {
	var slow []*Subscription

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	r.published.Add(1)
	for id, s := range r.subs {
		switch s.enqueue(r.SID, ev, r.cfg.BufferSize, r.cfg.Policy) {
		case evictedOlder, droppedIncoming:
			r.dropped.Add(1)
		case shed:
			delete(r.subs, id)
			slow = append(slow, s)
		}
	}
	r.mu.Unlock()

	for _, s := range slow {
		r.shed.Add(1)
		r.logger.Warn().Str("sub", s.ID).Str("name", s.Name).Str("event", string(ev.Type())).
			Msg("subscriber queue full, shedding")
		s.stop(ErrSlowSubscriber, false)
	}
	return nil
}

func (r *Router) run(s *Subscription) {
	defer close(s.done)
	defer s.detach()

	for {
		ev, ok := s.next(r.ctx)
		if !ok {
			return
		}
		if c, ok := ev.(domain.ResponseChunk); ok && !s.seq.accept(c) {
			r.dropped.Add(1)
			r.logger.Warn().Str("sub", s.ID).Str("response_id", c.ResponseID).
				Uint64("seq", c.Sequence).Bool("final", c.Final).Msg("dropping stale response chunk")
			continue
		}
		if err := s.deliver(r.ctx, ev, r.cfg.SinkTimeout); err != nil {
			if errors.Is(err, errStopped) {
				return
			}
			r.fail(s, err)
			return
		}
		r.delivered.Add(1)
	}
}

func (r *Router) fail(s *Subscription, err error) {
	r.mu.Lock()
	delete(r.subs, s.ID)
	r.mu.Unlock()

	r.failed.Add(1)
	r.logger.Error().Err(err).Str("sub", s.ID).Str("name", s.Name).Msg("subscriber failed, removing")
	s.stop(err, false)
}

// Close stops accepting events and lets subscribers drain what is already queued.
// It does not wait; use Wait for that.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.stop(ErrRouterClosed, true)
	}
	r.logger.Info().Int("subscribers", len(subs)).Msg("router closed")
}

// Stop closes the router and abandons queued events.
func (r *Router) Stop() {
	r.Close()
	r.cancel()
}

// Wait blocks until every delivery goroutine has exited.
func (r *Router) Wait() {
	r.wg.Wait()
	r.cancel()
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	n := len(r.subs)
	queued := 0
	for _, s := range r.subs {
		queued += s.pending()
	}
	r.mu.Unlock()
	return Stats{
		Subscribers: n,
		Queued:      queued,
		Published:   r.published.Load(),
		Delivered:   r.delivered.Load(),
		Dropped:     r.dropped.Load(),
		Shed:        r.shed.Load(),
		Failed:      r.failed.Load(),
	}
}
