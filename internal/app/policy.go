package app

import "github.com/dkeye/VoiceGateway/internal/domain"

type BackpressureAction int

const (
	// ShedSubscriber unsubscribes the slow subscriber; the event is kept for everyone else.
	ShedSubscriber BackpressureAction = iota
	// Enqueue lets the subscriber's queue grow past its bound for this event, up to twice
	// the bound. Past that the subscriber is shed anyway.
	Enqueue
)

// Policy decides what happens when an event that must not be dropped (a response chunk,
// a state change, a final transcript) meets a full subscriber queue.
type Policy interface {
	OnBackPressure(sid domain.SessionID, subscriber string, ev domain.Event) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SessionID, string, domain.Event) BackpressureAction {
	return ShedSubscriber
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(sid domain.SessionID, subscriber string, ev domain.Event) BackpressureAction

func (f PolicyFunc) OnBackPressure(sid domain.SessionID, subscriber string, ev domain.Event) BackpressureAction {
	return f(sid, subscriber, ev)
}
