package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Publish pushes an event into the session, as an upstream producer would.
func (o *Orchestrator) Publish(sid domain.SessionID, ev domain.Event) error {
	rt, ok := o.lookup(sid)
	if !ok {
		return fmt.Errorf("%w: %s", app.ErrSessionNotFound, sid)
	}
	o.Registry.Touch(sid)
	if err := rt.publish(ev); err != nil {
		if errors.Is(err, router.ErrRouterClosed) {
			return fmt.Errorf("%w: %s", app.ErrSessionClosed, sid)
		}
		return err
	}
	return nil
}

// Subscribe attaches sink to the session's event stream. The first subscriber of a
// session receives the welcome message, if configured.
func (o *Orchestrator) Subscribe(sid domain.SessionID, name string, sink core.Sink) (*router.Subscription, error) {
	rt, ok := o.lookup(sid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", app.ErrSessionNotFound, sid)
	}
	sub, err := rt.router.Subscribe(name, sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", app.ErrSessionClosed, sid)
	}
	o.Registry.Touch(sid)

	if o.opts.Welcome != "" && rt.welcomed.CompareAndSwap(false, true) {
		_ = rt.router.Publish(domain.ResponseChunk{
			ResponseID: uuid.NewString(),
			Text:       o.opts.Welcome,
			Final:      true,
		})
	}
	return sub, nil
}

func (o *Orchestrator) Unsubscribe(sid domain.SessionID, sub *router.Subscription) {
	if rt, ok := o.lookup(sid); ok {
		rt.router.Unsubscribe(sub)
	}
}

// Send forwards client input upstream. While the upstream is down, input is queued.
func (o *Orchestrator) Send(ctx context.Context, sid domain.SessionID, f core.Frame) error {
	rt, ok := o.lookup(sid)
	if !ok {
		return fmt.Errorf("%w: %s", app.ErrSessionNotFound, sid)
	}
	if rt.sup == nil {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Msg("push mode, dropping client input")
		return ErrNoUpstream
	}
	o.Registry.Touch(sid)
	return rt.sup.Send(ctx, f)
}

func (o *Orchestrator) Stats(sid domain.SessionID) (router.Stats, bool) {
	return o.Routers.Stats(sid)
}
