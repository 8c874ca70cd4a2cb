package channel

import (
	"sync"

	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/pkg/types"
)

// Bus is an in-process lobby relay connecting multiple endpoints. It mirrors
// the relay's semantics (fan-out to channel members, including the sender)
// and is the transport used by the protocol tests.
type Bus struct {
	mu        sync.Mutex
	endpoints []*BusEndpoint
}

func NewBus() *Bus {
	return &Bus{}
}

// Endpoint attaches a new member to the bus.
func (b *Bus) Endpoint() *BusEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := &BusEndpoint{
		bus:      b,
		channels: make(map[string]struct{}),
		frames:   make(chan Frame, 64),
		events:   make(chan types.TransportEvent, 8),
	}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

func (b *Bus) relay(frame Frame) {
	b.mu.Lock()
	members := make([]*BusEndpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if _, ok := ep.channels[frame.Channel]; ok {
			members = append(members, ep)
		}
	}
	b.mu.Unlock()

	for _, ep := range members {
		select {
		case ep.frames <- frame:
		default:
		}
	}
}

// BusEndpoint implements Transport on top of a Bus.
type BusEndpoint struct {
	bus      *Bus
	mu       sync.Mutex
	channels map[string]struct{}
	frames   chan Frame
	events   chan types.TransportEvent
	closed   bool
}

var _ Transport = (*BusEndpoint)(nil)

func (e *BusEndpoint) Join(channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("endpoint closed")
	}
	e.channels[channel] = struct{}{}
	return nil
}

func (e *BusEndpoint) Leave(channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[channel]; !ok {
		return errors.New("channel not found")
	}
	delete(e.channels, channel)
	return nil
}

func (e *BusEndpoint) Send(frame Frame) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errors.New("endpoint closed")
	}
	e.bus.relay(frame)
	return nil
}

func (e *BusEndpoint) Frames() <-chan Frame {
	return e.frames
}

func (e *BusEndpoint) Events() <-chan types.TransportEvent {
	return e.events
}

// Connect injects a connected event, as the relay does once the socket is up.
func (e *BusEndpoint) Connect() {
	e.events <- types.TransportEvent{Type: types.EventConnected}
}

// Disconnect injects a disconnect event.
func (e *BusEndpoint) Disconnect() {
	e.events <- types.TransportEvent{Type: types.EventDisconnected}
}

func (e *BusEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.frames)
	}
	return nil
}
