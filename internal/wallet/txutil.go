package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

// JoinTxVersion is the transaction version all join candidates are pinned to
// so merged halves serialize uniformly.
const JoinTxVersion = 1

// DecodeTxHex parses a hex-serialised transaction.
func DecodeTxHex(raw string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid transaction encoding")
	}
	tx := wire.NewMsgTx(JoinTxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize transaction")
	}
	return tx, nil
}

// SerializeTxHex renders a transaction as hex.
func SerializeTxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", errors.Wrap(err, "failed to serialize transaction")
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// CloneTx deep-copies a transaction.
func CloneTx(tx *wire.MsgTx) *wire.MsgTx {
	return tx.Copy()
}

// VersionFix pins a transaction to the join version.
func VersionFix(tx *wire.MsgTx) *wire.MsgTx {
	tx.Version = JoinTxVersion
	return tx
}

// OutpointKey renders an outpoint as the "<txhash>:<vout>" key used by the
// wallet's output index.
func OutpointKey(op wire.OutPoint) string {
	return fmt.Sprintf("%s:%d", op.Hash.String(), op.Index)
}
