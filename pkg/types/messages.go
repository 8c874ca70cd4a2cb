package types

import (
	"encoding/json"

	"gitlab.com/distributed_lab/logan/v3/errors"
)

// Message kinds carried on the lobby channel. The three kinds map to the
// three callback slots of the channel gateway.
const (
	KindCoinJoinOpen   = "CoinJoinOpen"
	KindCoinJoin       = "CoinJoin"
	KindCoinJoinFinish = "CoinJoinFinish"
)

// OpenBody is the broadcast announcement of a new join.
type OpenBody struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// JoinBody carries the hex-serialised transaction at the current protocol
// step. Initial marks the guest's first candidate reply; initial replies to a
// session still announcing are buffered for delayed matchmaking instead of
// being processed in arrival order.
type JoinBody struct {
	ID      string `json:"id"`
	Tx      string `json:"tx"`
	Initial bool   `json:"initial,omitempty"`
}

// FinishBody terminates the protocol from the peer side. Tx, when present,
// is the final fully signed transaction.
type FinishBody struct {
	ID string `json:"id"`
	Tx string `json:"tx,omitempty"`
}

// Peer identifies the remote channel participant of a delivery.
type Peer struct {
	PubKey  string `json:"pubKey"`
	Trusted bool   `json:"trusted"`
}

// Delivery is what gateway callbacks receive: the sender fingerprint (used to
// suppress self-echoes), the peer identity and the decrypted body.
type Delivery struct {
	Sender string
	Peer   Peer
	Body   json.RawMessage
}

// DecodeBody unmarshals a delivery body into the kind-specific struct,
// rejecting malformed frames.
func DecodeBody(raw json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "malformed message body")
	}
	return nil
}
