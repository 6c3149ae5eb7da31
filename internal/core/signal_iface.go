package core

import "errors"

// Frame is a raw binary payload (an encoded data-channel message or client input).
type Frame []byte

var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts a client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
