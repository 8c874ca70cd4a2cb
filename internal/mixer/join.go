package mixer

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/internal/wallet"
)

var (
	ErrNoJoinOutput     = errors.New("candidate has no output at the join amount")
	ErrInputOverlap     = errors.New("candidate shares inputs with our half")
	ErrStructureChanged = errors.New("joint transaction structure changed")
	ErrSignaturesLost   = errors.New("previously signed inputs lost their signatures")
	ErrMissingMine      = errors.New("joint transaction omits our inputs or outputs")
)

// mergeJoint combines the two halves of a join into one transaction: all
// inputs, all outputs, ordered lexicographically so neither party's half is
// identifiable by position.
func mergeJoint(mine, theirs *wire.MsgTx, joinAmount int64) (*wire.MsgTx, error) {
	if !hasOutputValue(theirs, joinAmount) {
		return nil, ErrNoJoinOutput
	}

	seen := make(map[wire.OutPoint]struct{}, len(mine.TxIn))
	for _, txin := range mine.TxIn {
		seen[txin.PreviousOutPoint] = struct{}{}
	}
	for _, txin := range theirs.TxIn {
		if _, ok := seen[txin.PreviousOutPoint]; ok {
			return nil, ErrInputOverlap
		}
	}

	joint := wire.NewMsgTx(wallet.JoinTxVersion)
	for _, txin := range append(mine.Copy().TxIn, theirs.Copy().TxIn...) {
		txin.SignatureScript = nil
		joint.AddTxIn(txin)
	}
	for _, txout := range append(mine.Copy().TxOut, theirs.Copy().TxOut...) {
		joint.AddTxOut(txout)
	}

	sortJoint(joint)
	return joint, nil
}

// sortJoint orders inputs by outpoint and outputs by (value, script),
// BIP69-style.
func sortJoint(tx *wire.MsgTx) {
	sort.SliceStable(tx.TxIn, func(i, j int) bool {
		a, b := tx.TxIn[i].PreviousOutPoint, tx.TxIn[j].PreviousOutPoint
		if cmp := bytes.Compare(a.Hash[:], b.Hash[:]); cmp != 0 {
			return cmp < 0
		}
		return a.Index < b.Index
	})
	sort.SliceStable(tx.TxOut, func(i, j int) bool {
		a, b := tx.TxOut[i], tx.TxOut[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return bytes.Compare(a.PkScript, b.PkScript) < 0
	})
}

func hasOutputValue(tx *wire.MsgTx, value int64) bool {
	for _, txout := range tx.TxOut {
		if txout.Value == value {
			return true
		}
	}
	return false
}

// containsMine verifies a joint transaction still carries every input
// outpoint and every output of our half.
func containsMine(joint, mine *wire.MsgTx) error {
	ins := make(map[wire.OutPoint]struct{}, len(joint.TxIn))
	for _, txin := range joint.TxIn {
		ins[txin.PreviousOutPoint] = struct{}{}
	}
	for _, txin := range mine.TxIn {
		if _, ok := ins[txin.PreviousOutPoint]; !ok {
			return ErrMissingMine
		}
	}

	for _, want := range mine.TxOut {
		found := false
		for _, got := range joint.TxOut {
			if got.Value == want.Value && bytes.Equal(got.PkScript, want.PkScript) {
				found = true
				break
			}
		}
		if !found {
			return ErrMissingMine
		}
	}
	return nil
}

// sameStructure verifies two transactions agree on inputs (by outpoint,
// ignoring signature scripts) and outputs.
func sameStructure(a, b *wire.MsgTx) error {
	if len(a.TxIn) != len(b.TxIn) || len(a.TxOut) != len(b.TxOut) {
		return ErrStructureChanged
	}
	for i := range a.TxIn {
		if a.TxIn[i].PreviousOutPoint != b.TxIn[i].PreviousOutPoint {
			return ErrStructureChanged
		}
	}
	for i := range a.TxOut {
		if a.TxOut[i].Value != b.TxOut[i].Value || !bytes.Equal(a.TxOut[i].PkScript, b.TxOut[i].PkScript) {
			return ErrStructureChanged
		}
	}
	return nil
}

// signaturesPreserved verifies every input signed in prev is still signed in
// next.
func signaturesPreserved(prev, next *wire.MsgTx) error {
	for i := range prev.TxIn {
		if len(prev.TxIn[i].SignatureScript) > 0 && len(next.TxIn[i].SignatureScript) == 0 {
			return ErrSignaturesLost
		}
	}
	return nil
}

// fullySigned reports whether every input carries a signature script.
func fullySigned(tx *wire.MsgTx) bool {
	for _, txin := range tx.TxIn {
		if len(txin.SignatureScript) == 0 {
			return false
		}
	}
	return len(tx.TxIn) > 0
}

// signedCount returns how many inputs carry a signature script.
func signedCount(tx *wire.MsgTx) int {
	n := 0
	for _, txin := range tx.TxIn {
		if len(txin.SignatureScript) > 0 {
			n++
		}
	}
	return n
}
