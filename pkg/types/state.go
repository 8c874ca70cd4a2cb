package types

import (
	goerr "errors"
	"fmt"
)

var ErrUnknownState = goerr.New("unknown session state")

// SessionState is the per-mix protocol state. Transitions are monotone along
// the ordering Announce -> Accepted -> Paired -> Sign -> Finished; Cancelled
// is reachable from any non-terminal state.
type SessionState uint8

const (
	StateAnnounce SessionState = iota
	StateAccepted
	StatePaired
	StateSign
	StateFinished
	StateCancelled
)

var stateNames = map[SessionState]string{
	StateAnnounce:  "announce",
	StateAccepted:  "accepted",
	StatePaired:    "paired",
	StateSign:      "sign",
	StateFinished:  "finished",
	StateCancelled: "cancelled",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// ParseSessionState rejects anything outside the closed set.
func ParseSessionState(raw string) (SessionState, error) {
	for s, name := range stateNames {
		if name == raw {
			return s, nil
		}
	}
	return 0, ErrUnknownState
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, ErrUnknownState
	}
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(data []byte) error {
	parsed, err := ParseSessionState(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Role distinguishes the two parties of a join. The initiator announces and
// owns the persisted task; the guest answers from a mixing pocket.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleGuest
)

func (r Role) String() string {
	if r == RoleGuest {
		return "guest"
	}
	return "initiator"
}
