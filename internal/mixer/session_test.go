package mixer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkwallet/mixer-svc/internal/wallet"
	"github.com/darkwallet/mixer-svc/pkg/types"
)

func testPeer() types.Peer {
	return types.Peer{PubKey: "ab12", Trusted: true}
}

func TestInitiatorSelectsAndMerges(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	task := &wallet.Task{Fee: 10_000, Timeout: 60, Start: now.Unix(), Ping: now.Unix()}
	s := NewInitiatorSession(testSessionID(0x01), mine, 1_000_000, task, now)

	theirs := foreignHalf(t, 1_000_000, 80_000, 0x20)
	theirsHex, err := wallet.SerializeTxHex(theirs)
	require.NoError(t, err)

	updated, err := s.Process(types.JoinBody{ID: s.ID, Tx: theirsHex, Initial: true}, testPeer())
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, types.StateAccepted, s.State)
	require.Len(t, s.Tx.TxIn, 2)
	require.Len(t, s.Tx.TxOut, 4)
	require.NotNil(t, s.Peer)

	// MyTx stays untouched.
	require.Len(t, s.MyTx.TxIn, 1)
}

func TestInitiatorRejectsCandidateWithoutJoinOutput(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	task := &wallet.Task{Fee: 10_000, Timeout: 60}
	s := NewInitiatorSession(testSessionID(0x02), mine, 1_000_000, task, now)

	theirs := foreignHalf(t, 999_999, 80_000, 0x20)
	theirsHex, err := wallet.SerializeTxHex(theirs)
	require.NoError(t, err)

	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: theirsHex}, testPeer())
	require.ErrorIs(t, err, ErrNoJoinOutput)
	require.Equal(t, types.StateAnnounce, s.State, "failed process leaves the session unchanged")
}

func TestGuestAdoptsJointAndAcks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 500_000, 50_000, 0x30)
	s := NewGuestSession(testSessionID(0x03), mine, 500_000, DefaultGuestFee, testPeer(), 2, now)

	theirs := foreignHalf(t, 500_000, 40_000, 0x40)
	joint, err := mergeJoint(theirs, mine, 500_000)
	require.NoError(t, err)
	jointHex, err := wallet.SerializeTxHex(joint)
	require.NoError(t, err)

	updated, err := s.Process(types.JoinBody{ID: s.ID, Tx: jointHex}, testPeer())
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, types.StatePaired, s.State)
}

func TestGuestRejectsJointDroppingItsHalf(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 500_000, 50_000, 0x30)
	s := NewGuestSession(testSessionID(0x04), mine, 500_000, DefaultGuestFee, testPeer(), 2, now)

	// A "joint" that is just the initiator's half.
	theirs := foreignHalf(t, 500_000, 40_000, 0x40)
	theirsHex, err := wallet.SerializeTxHex(theirs)
	require.NoError(t, err)

	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: theirsHex}, testPeer())
	require.ErrorIs(t, err, ErrMissingMine)
	require.Equal(t, types.StateAccepted, s.State)
}

func TestInitiatorFinishesOnFullySigned(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	task := &wallet.Task{Fee: 10_000, Timeout: 60}
	s := NewInitiatorSession(testSessionID(0x05), mine, 1_000_000, task, now)

	theirs := foreignHalf(t, 1_000_000, 80_000, 0x20)
	theirsHex, err := wallet.SerializeTxHex(theirs)
	require.NoError(t, err)
	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: theirsHex}, testPeer())
	require.NoError(t, err)

	// Ack moves us to our signing turn.
	jointHex, err := wallet.SerializeTxHex(s.Tx)
	require.NoError(t, err)
	updated, err := s.Process(types.JoinBody{ID: s.ID, Tx: jointHex}, testPeer())
	require.NoError(t, err)
	require.False(t, updated)
	require.Equal(t, types.StateSign, s.State)

	// Sign our half, then accept the completed transaction.
	s.Tx.TxIn[0].SignatureScript = []byte{0x01}
	s.AddSignatures(s.Tx)
	require.Equal(t, types.StateSign, s.State, "half signed is not finished")

	final := s.Tx.Copy()
	markForeignSigned(final)
	finalHex, err := wallet.SerializeTxHex(final)
	require.NoError(t, err)
	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: finalHex}, testPeer())
	require.NoError(t, err)
	require.Equal(t, types.StateFinished, s.State)
}

func TestSignaturesCannotBeStripped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	task := &wallet.Task{Fee: 10_000, Timeout: 60}
	s := NewInitiatorSession(testSessionID(0x06), mine, 1_000_000, task, now)

	theirs := foreignHalf(t, 1_000_000, 80_000, 0x20)
	theirsHex, err := wallet.SerializeTxHex(theirs)
	require.NoError(t, err)
	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: theirsHex}, testPeer())
	require.NoError(t, err)

	jointHex, err := wallet.SerializeTxHex(s.Tx)
	require.NoError(t, err)
	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: jointHex}, testPeer())
	require.NoError(t, err)

	// Sign our half only (input 0); the guest's input stays unsigned.
	s.Tx.TxIn[0].SignatureScript = []byte{0x01}
	s.AddSignatures(s.Tx)

	// A "final" transaction with our signatures removed is rejected.
	stripped := s.Tx.Copy()
	markForeignSigned(stripped)
	stripped.TxIn[0].SignatureScript = nil
	strippedHex, err := wallet.SerializeTxHex(stripped)
	require.NoError(t, err)
	_, err = s.Process(types.JoinBody{ID: s.ID, Tx: strippedHex}, testPeer())
	require.Error(t, err)
	require.NotEqual(t, types.StateFinished, s.State)
}

func TestBufferReplyCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	s := NewInitiatorSession(testSessionID(0x07), mine, 1_000_000, &wallet.Task{}, now)

	for i := 0; i < ReceivedCap; i++ {
		require.NoError(t, s.BufferReply(types.JoinBody{ID: s.ID}, testPeer()))
	}
	require.ErrorIs(t, s.BufferReply(types.JoinBody{ID: s.ID}, testPeer()), ErrReceivedOverflow)
	require.Len(t, s.Received, ReceivedCap)
}

func TestCancelIsFinalAndTerminalRejectsMessages(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 500_000, 50_000, 0x30)
	s := NewGuestSession(testSessionID(0x08), mine, 500_000, DefaultGuestFee, testPeer(), 2, now)

	s.Cancel()
	require.Equal(t, types.StateCancelled, s.State)

	_, err := s.Process(types.JoinBody{ID: s.ID, Tx: "00"}, testPeer())
	require.ErrorIs(t, err, ErrSessionTerminal)

	s.State = types.StateFinished
	s.Cancel()
	require.Equal(t, types.StateFinished, s.State, "finished is not demoted to cancelled")
}

func TestExpiryAndPingStaleness(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	mine := foreignHalf(t, 1_000_000, 90_000, 0x10)
	task := &wallet.Task{Timeout: 60, Start: start.Unix(), Ping: start.Unix()}
	s := NewInitiatorSession(testSessionID(0x09), mine, 1_000_000, task, start)

	require.False(t, s.Expired(start.Add(60*time.Second)))
	require.True(t, s.Expired(start.Add(61*time.Second)))

	require.False(t, s.PingStale(start.Add(6*time.Second)))
	require.True(t, s.PingStale(start.Add(7*time.Second)))
}
