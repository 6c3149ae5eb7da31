package core

import (
	"context"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Sink is a downstream subscriber of a session's event stream.
// Handle must respect ctx; the router treats a timeout as a failure.
type Sink interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev domain.Event) error

func (f SinkFunc) Handle(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// Detacher is implemented by sinks that want to know when the router drops them.
type Detacher interface {
	OnDetach(reason error)
}

// Publisher accepts events for one session.
type Publisher interface {
	Publish(ev domain.Event) error
}
