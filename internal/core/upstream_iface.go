package core

import (
	"context"
	"errors"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// ErrTransport marks an upstream connection failure; the supervisor recovers from it.
var ErrTransport = errors.New("transport error")

// UpstreamConn is one established connection to the speech/LLM service.
type UpstreamConn interface {
	// Recv blocks until the next upstream event. Any error ends the connection.
	Recv(ctx context.Context) (domain.Event, error)
	// Send forwards client input to the service.
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens upstream connections for a session.
type Dialer interface {
	Dial(ctx context.Context, sid domain.SessionID, cfg domain.SessionConfig) (UpstreamConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, sid domain.SessionID, cfg domain.SessionConfig) (UpstreamConn, error)

func (f DialerFunc) Dial(ctx context.Context, sid domain.SessionID, cfg domain.SessionConfig) (UpstreamConn, error) {
	return f(ctx, sid, cfg)
}
