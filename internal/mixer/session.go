package mixer

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/internal/wallet"
	"github.com/darkwallet/mixer-svc/pkg/types"
)

// ReceivedCap bounds the candidate reply buffer of an announcing session so
// adversarial spam cannot grow it without limit.
const ReceivedCap = 32

var (
	ErrSessionTerminal  = errors.New("session is terminal")
	ErrUnexpectedStep   = errors.New("message does not fit the protocol step")
	ErrNotFullySigned   = errors.New("final transaction is not fully signed")
	ErrReceivedOverflow = errors.New("reply buffer full")
)

// Reply is a buffered candidate answer to an announcement.
type Reply struct {
	Body types.JoinBody
	Peer types.Peer
}

// Session is one CoinJoin in flight. MyTx is this party's half, immutable
// after construction; Tx is the evolving joint transaction, refined until the
// session finishes.
type Session struct {
	ID    string
	Role  types.Role
	State types.SessionState

	MyTx     *wire.MsgTx
	Tx       *wire.MsgTx
	MyAmount int64
	Fee      int64

	Peer   *types.Peer
	Pocket int          // guest only, -1 otherwise
	Task   *wallet.Task // initiator only

	Received []Reply

	lastProgress time.Time
}

// NewInitiatorSession starts the announcing side from a persisted task.
func NewInitiatorSession(id string, myTx *wire.MsgTx, amount int64, task *wallet.Task, now time.Time) *Session {
	return &Session{
		ID:           id,
		Role:         types.RoleInitiator,
		State:        types.StateAnnounce,
		MyTx:         myTx,
		Tx:           wallet.VersionFix(wallet.CloneTx(myTx)),
		MyAmount:     amount,
		Fee:          task.Fee,
		Pocket:       -1,
		Task:         task,
		lastProgress: now,
	}
}

// NewGuestSession starts the answering side from a prepared candidate.
func NewGuestSession(id string, myTx *wire.MsgTx, amount, fee int64, peer types.Peer, pocket int, now time.Time) *Session {
	return &Session{
		ID:           id,
		Role:         types.RoleGuest,
		State:        types.StateAccepted,
		MyTx:         myTx,
		Tx:           wallet.VersionFix(wallet.CloneTx(myTx)),
		MyAmount:     amount,
		Fee:          fee,
		Peer:         &peer,
		Pocket:       pocket,
		lastProgress: now,
	}
}

// BufferReply appends a candidate answer while announcing.
func (s *Session) BufferReply(body types.JoinBody, peer types.Peer) error {
	if len(s.Received) >= ReceivedCap {
		return ErrReceivedOverflow
	}
	s.Received = append(s.Received, Reply{Body: body, Peer: peer})
	return nil
}

// Process advances the state machine on a peer message. It returns whether
// the joint transaction was updated in a way the peer needs to see. On error
// the session is unchanged; the caller decides whether the error is peer
// misbehavior (drop) or fatal (cancel).
func (s *Session) Process(body types.JoinBody, peer types.Peer) (bool, error) {
	if s.State.Terminal() {
		return false, ErrSessionTerminal
	}

	incoming, err := wallet.DecodeTxHex(body.Tx)
	if err != nil {
		return false, err
	}

	switch {
	case s.Role == types.RoleInitiator && s.State == types.StateAnnounce:
		// Chosen candidate reply: fuse the halves.
		joint, err := mergeJoint(s.MyTx, incoming, s.MyAmount)
		if err != nil {
			return false, err
		}
		s.Tx = joint
		s.Peer = &peer
		s.State = types.StateAccepted
		return true, nil

	case s.Role == types.RoleGuest && s.State == types.StateAccepted:
		// The initiator's joint proposal: both halves must survive intact.
		if err := containsMine(incoming, s.MyTx); err != nil {
			return false, err
		}
		s.Tx = incoming
		s.State = types.StatePaired
		return true, nil

	case s.Role == types.RoleInitiator && s.State == types.StateAccepted:
		// The guest's acknowledgement of the joint proposal. Pairing done,
		// our turn to sign.
		if err := sameStructure(s.Tx, incoming); err != nil {
			return false, err
		}
		s.State = types.StateSign
		return false, nil

	case s.Role == types.RoleGuest && s.State == types.StatePaired:
		// The joint transaction with the initiator's signatures.
		if err := sameStructure(s.Tx, incoming); err != nil {
			return false, err
		}
		if signedCount(incoming) == 0 {
			return false, ErrUnexpectedStep
		}
		s.Tx = incoming
		s.State = types.StateSign
		return false, nil

	case s.Role == types.RoleInitiator && s.State == types.StateSign:
		// The fully signed transaction with the guest's signatures added.
		if err := sameStructure(s.Tx, incoming); err != nil {
			return false, err
		}
		if err := signaturesPreserved(s.Tx, incoming); err != nil {
			return false, err
		}
		if !fullySigned(incoming) {
			return false, ErrNotFullySigned
		}
		s.Tx = incoming
		s.State = types.StateFinished
		return false, nil

	case s.Role == types.RoleGuest && s.State == types.StateSign:
		// Late echo of the final transaction. Adopt if complete, else drop.
		if err := sameStructure(s.Tx, incoming); err != nil {
			return false, err
		}
		if err := signaturesPreserved(s.Tx, incoming); err != nil {
			return false, err
		}
		if fullySigned(incoming) {
			s.Tx = incoming
			s.State = types.StateFinished
		}
		return false, nil
	}

	return false, ErrUnexpectedStep
}

// AddSignatures records the result of signing our own inputs. When the joint
// transaction is complete the session finishes.
func (s *Session) AddSignatures(tx *wire.MsgTx) {
	s.Tx = tx
	if fullySigned(tx) && s.State == types.StateSign {
		s.State = types.StateFinished
	}
}

// AdoptFinal installs a complete transaction delivered by a finish message.
func (s *Session) AdoptFinal(tx *wire.MsgTx) error {
	if err := containsMine(tx, s.MyTx); err != nil {
		return err
	}
	if !fullySigned(tx) {
		return ErrNotFullySigned
	}
	s.Tx = tx
	s.State = types.StateFinished
	return nil
}

// Cancel terminates a non-terminal session.
func (s *Session) Cancel() {
	if !s.State.Terminal() {
		s.State = types.StateCancelled
	}
}

// Touch records forward progress for liveness accounting.
func (s *Session) Touch(now time.Time) {
	s.lastProgress = now
}

// Timeout returns the session's announce deadline in seconds.
func (s *Session) Timeout() int64 {
	if s.Task != nil && s.Task.Timeout > 0 {
		return s.Task.Timeout
	}
	return DefaultTimeoutSeconds
}

// Expired reports whether the announce phase outlived the task timeout.
func (s *Session) Expired(now time.Time) bool {
	if s.Task == nil || s.Task.Start == 0 {
		return false
	}
	return now.Unix()-s.Task.Start > s.Timeout()
}

// PingStale reports liveness loss past the announce phase: no forward
// progress for a tenth of the timeout.
func (s *Session) PingStale(now time.Time) bool {
	last := s.lastProgress.Unix()
	if s.Task != nil && s.Task.Ping > 0 {
		last = s.Task.Ping
	}
	return now.Unix()-last > s.Timeout()/10
}
