package channel

import (
	"github.com/darkwallet/mixer-svc/pkg/types"
)

// Frame is the raw record relayed through a lobby channel. Payload is opaque
// to the relay: channel-encrypted for broadcasts, pairwise-encrypted when To
// is set.
type Frame struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Pub     string `json:"pub"`
	To      string `json:"to,omitempty"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
}

// Transport is the lobby connection the gateway adapts. Implementations relay
// frames between all members of a named channel and surface connectivity
// transitions.
type Transport interface {
	Join(channel string) error
	Leave(channel string) error
	Send(frame Frame) error
	Frames() <-chan Frame
	Events() <-chan types.TransportEvent
	Close() error
}
