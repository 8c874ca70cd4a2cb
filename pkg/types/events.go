package types

// TransportEventType enumerates lobby connectivity transitions delivered to
// the coordinator.
type TransportEventType uint8

const (
	EventConnected TransportEventType = iota
	EventDisconnect
	EventDisconnected
)

func (t TransportEventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnect:
		return "disconnect"
	default:
		return "disconnected"
	}
}

// Down reports whether the event means the lobby is no longer usable.
func (t TransportEventType) Down() bool {
	return t != EventConnected
}

// TransportEvent is an inbound connectivity notification.
type TransportEvent struct {
	Type TransportEventType
}
