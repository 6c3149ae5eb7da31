package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/app/supervisor"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

var ErrNoUpstream = errors.New("session has no upstream connection")

type Options struct {
	// Dialer connects sessions to the upstream service. Nil selects push mode: sessions
	// go Active on open and events arrive through Publish.
	Dialer            core.Dialer
	Reconnect         supervisor.Config
	SupervisorOptions []supervisor.Option
	// Welcome, when set, is published as the first response of every new session.
	Welcome string
}

type Orchestrator struct {
	Registry *app.Registry
	Routers  *router.Manager
	opts     Options

	openMu sync.Mutex // serializes Open so a runtime exists before anyone attaches

	mu       sync.Mutex
	runtimes map[domain.SessionID]*runtime
}

// runtime holds the goroutines and resources of one live session.
type runtime struct {
	handle   *app.Handle
	router   *router.Router
	sup      *supervisor.Supervisor
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	welcomed atomic.Bool

	pubMu sync.Mutex // orders sequencing with router admission
	seq   *protocol.Sequencer
}

// publish numbers bare response chunks for the session and routes ev.
func (rt *runtime) publish(ev domain.Event) error {
	rt.pubMu.Lock()
	defer rt.pubMu.Unlock()
	return rt.router.Publish(rt.seq.Apply(ev))
}

func (rt *runtime) wait() {
	rt.wg.Wait()
	rt.router.Wait()
}

func New(reg *app.Registry, routers *router.Manager, opts Options) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Routers:  routers,
		opts:     opts,
		runtimes: make(map[domain.SessionID]*runtime),
	}
}

// Open creates the session or attaches to the live one. The creator starts the session
// runtime: its router and, unless in push mode, its upstream supervisor.
func (o *Orchestrator) Open(sid domain.SessionID, cfg domain.SessionConfig) (*app.Handle, error) {
	o.openMu.Lock()
	defer o.openMu.Unlock()

	h, err := o.Registry.CreateOrAttach(sid, cfg)
	if err != nil {
		return nil, err
	}
	if !h.Owner {
		return h, nil
	}

	// The router outlives the supervisor context so Close can drain queued events.
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{handle: h, cancel: cancel, seq: protocol.NewSequencer()}
	rt.router = o.Routers.Start(context.Background(), sid)
	if o.opts.Dialer != nil {
		pub := &touchPublisher{reg: o.Registry, sid: sid, rt: rt}
		rt.sup = supervisor.New(sid, h.Config(), o.opts.Reconnect, o.opts.Dialer, pub,
			lifecycle{reg: o.Registry, h: h}, o.opts.SupervisorOptions...)
	}

	o.mu.Lock()
	o.runtimes[sid] = rt
	o.mu.Unlock()

	o.Registry.Bind(h, func() { o.teardown(sid, rt) })

	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Logger()
	if rt.sup == nil {
		if err := o.Registry.MarkConnecting(h); err == nil {
			_ = o.Registry.MarkActive(h)
		}
		logger.Info().Msg("session opened in push mode")
		return h, nil
	}

	rt.wg.Go(func() {
		if err := rt.sup.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("supervisor stopped")
		}
	})
	logger.Info().Msg("session opened")
	return h, nil
}

func (o *Orchestrator) teardown(sid domain.SessionID, rt *runtime) {
	o.mu.Lock()
	if cur, ok := o.runtimes[sid]; ok && cur == rt {
		delete(o.runtimes, sid)
	}
	o.mu.Unlock()

	o.Routers.Stop(sid, rt.router)
	rt.cancel()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("session runtime stopped")
}

func (o *Orchestrator) lookup(sid domain.SessionID) (*runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.runtimes[sid]
	return rt, ok
}

// Close closes the session h belongs to. Every subscriber is detached.
func (o *Orchestrator) Close(h *app.Handle, reason string) {
	o.Registry.Close(h, reason)
}

func (o *Orchestrator) CloseByID(sid domain.SessionID, reason string) bool {
	return o.Registry.CloseByID(sid, reason)
}

// Detach releases h without closing the session.
func (o *Orchestrator) Detach(h *app.Handle) {
	o.Registry.Detach(h)
}

// Sweep closes idle sessions.
func (o *Orchestrator) Sweep(now time.Time) []domain.SessionID {
	return o.Registry.ExpireIdle(now)
}

// Shutdown closes every session and waits for their goroutines or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	rts := make([]*runtime, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		rts = append(rts, rt)
	}
	o.mu.Unlock()

	n := o.Registry.CloseAll("shutdown")
	o.Routers.StopAll()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, rt := range rts {
			rt.wait()
		}
	}()

	select {
	case <-done:
		log.Info().Str("module", "orch").Int("sessions", n).Msg("all sessions stopped")
		return nil
	case <-ctx.Done():
		for _, rt := range rts {
			rt.router.Stop()
		}
		return ctx.Err()
	}
}

type lifecycle struct {
	reg *app.Registry
	h   *app.Handle
}

func (l lifecycle) MarkConnecting() error            { return l.reg.MarkConnecting(l.h) }
func (l lifecycle) MarkActive() error                { return l.reg.MarkActive(l.h) }
func (l lifecycle) MarkDegraded(reason string) error { return l.reg.MarkDegraded(l.h, reason) }
func (l lifecycle) Close(reason string)              { l.reg.Close(l.h, reason) }

// touchPublisher publishes into one session runtime and records session activity.
type touchPublisher struct {
	reg *app.Registry
	sid domain.SessionID
	rt  *runtime
}

func (p *touchPublisher) Publish(ev domain.Event) error {
	p.reg.Touch(p.sid)
	return p.rt.publish(ev)
}
