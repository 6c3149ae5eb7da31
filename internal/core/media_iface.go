package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is a peer connection used only for its data channels; no audio is relayed.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying resources.
	Close()
	IsClosed() bool
	// ApplyOfferAndCreateAnswer applies a remote offer and returns the gathered local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnDataChannel sets a callback for data channels opened by the remote peer.
	OnDataChannel(func(ctx context.Context, dc *webrtc.DataChannel))
	// OnClosed sets a callback for connection teardown.
	OnClosed(func())
}
