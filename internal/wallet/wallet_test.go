package wallet

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"gitlab.com/distributed_lab/logan/v3"
)

var testNet = &chaincfg.RegressionNetParams

func testKey(t *testing.T, seedByte byte) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte + 1
	}
	key, err := hdkeychain.NewMaster(seed, testNet)
	require.NoError(t, err)
	return key
}

func testWallet(t *testing.T) (*Wallet, *Pocket) {
	t.Helper()
	w := New(logan.New(), testNet, nil, nil)

	p := &Pocket{Index: 0, Mixing: true, MixingOptions: MixingOptions{Budget: 100_000}}
	require.NoError(t, p.SealKeys("pw", testKey(t, 0), testKey(t, 1)))
	w.AddPocket(p)
	return w, p
}

// fund registers an address at the pocket's main branch and a confirmed
// output paying to it.
func fund(t *testing.T, w *Wallet, p *Pocket, child uint32, value int64, hashByte byte) (string, wire.OutPoint) {
	t.Helper()

	key, err := hdkeychain.NewKeyFromString(p.MasterPub)
	require.NoError(t, err)
	childKey, err := key.Derive(child)
	require.NoError(t, err)
	addr, err := childKey.Address(testNet)
	require.NoError(t, err)
	encoded := addr.EncodeAddress()

	w.RegisterAddress(encoded, &AddressInfo{Index: []uint32{p.MainBranch(), child}, Type: AddressTypeDefault})

	var hash chainhash.Hash
	hash[0] = hashByte
	op := *wire.NewOutPoint(&hash, child)
	w.AddOutput(OutpointKey(op), &Output{Address: encoded, Value: value, Pocket: p.Index, Confirmed: true})
	return encoded, op
}

func TestPrepareBuildsCandidate(t *testing.T) {
	w, p := testWallet(t)
	fund(t, w, p, 0, 300_000, 0x01)
	fund(t, w, p, 1, 400_000, 0x02)

	dest, err := w.GetFreeAddress(0, "mixing")
	require.NoError(t, err)
	changeAddr, err := w.GetChangeAddress(0, "mixing")
	require.NoError(t, err)

	tx, err := w.Prepare(0, []Recipient{{Address: dest, Amount: 500_000}}, changeAddr, 50_000)
	require.NoError(t, err)

	require.Len(t, tx.TxIn, 2)
	require.Len(t, tx.TxOut, 2)

	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	require.Equal(t, int64(650_000), total, "inputs minus fee")
}

func TestPrepareInsufficientFunds(t *testing.T) {
	w, p := testWallet(t)
	fund(t, w, p, 0, 100_000, 0x01)

	dest, err := w.GetFreeAddress(0, "mixing")
	require.NoError(t, err)
	changeAddr, err := w.GetChangeAddress(0, "mixing")
	require.NoError(t, err)

	_, err = w.Prepare(0, []Recipient{{Address: dest, Amount: 500_000}}, changeAddr, 50_000)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestConfirmedBalanceIgnoresUnconfirmedAndSpent(t *testing.T) {
	w, p := testWallet(t)
	fund(t, w, p, 0, 300_000, 0x01)
	addr, op := fund(t, w, p, 1, 400_000, 0x02)

	out, ok := w.Output(OutpointKey(op))
	require.True(t, ok)
	require.Equal(t, addr, out.Address)
	out.Spent = true

	w.AddOutput("deadbeef:0", &Output{Address: addr, Value: 1_000, Pocket: 0, Confirmed: false})

	require.Equal(t, int64(300_000), w.ConfirmedBalance(0))
}

func TestSignMyInputsProducesValidScript(t *testing.T) {
	w, p := testWallet(t)
	addr, op := fund(t, w, p, 0, 300_000, 0x01)

	master, _, err := p.UnlockKeys("pw")
	require.NoError(t, err)
	priv, err := w.DeriveHDPrivateKey([]uint32{0}, master)
	require.NoError(t, err)

	tx := wire.NewMsgTx(JoinTxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(250_000, make([]byte, 25)))

	signed, err := w.SignMyInputs(tx, map[string]*btcec.PrivateKey{addr: priv})
	require.NoError(t, err)
	require.Equal(t, 1, signed)

	pkScript, err := w.payToAddrScript(addr)
	require.NoError(t, err)
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 300_000)
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil, nil, 300_000, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute(), "signature must satisfy the previous output script")
}

func TestStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	w := New(logan.New(), testNet, nil, nil)
	p := &Pocket{Index: 1, Mixing: true, MixingOptions: MixingOptions{Budget: 70_000, Spent: 20_000}}
	require.NoError(t, p.SealKeys("pw", testKey(t, 4), testKey(t, 5)))
	w.AddPocket(p)

	id := NewIdentity(logan.New(), store, w)
	id.SetHardMixing(true)
	id.AddContact("aabb")
	require.NoError(t, id.PutTask(&Task{State: TaskStateAnnounce, Tx: "00", Total: 5, Fee: 1}))
	require.NoError(t, id.Save())

	w2 := New(logan.New(), testNet, nil, nil)
	id2, err := LoadIdentity(logan.New(), store, w2)
	require.NoError(t, err)

	require.True(t, id2.HardMixing())
	require.True(t, id2.Trusted("aabb"))
	require.Len(t, id2.MixerTasks(), 1)
	require.Equal(t, int64(5), id2.MixerTasks()[0].Total)

	pockets := w2.HDPockets()
	require.Len(t, pockets, 1)
	require.Equal(t, int64(20_000), pockets[0].MixingOptions.Spent)
	require.Equal(t, p.MasterPub, pockets[0].MasterPub)

	// The reloaded pocket still unlocks under the same password.
	_, _, err = pockets[0].UnlockKeys("pw")
	require.NoError(t, err)
}

func TestRemoveTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	id := NewIdentity(logan.New(), store, New(logan.New(), testNet, nil, nil))
	task := &Task{State: TaskStateAnnounce, Tx: "00"}
	require.NoError(t, id.PutTask(task))
	require.NoError(t, id.RemoveTask(task))
	require.Empty(t, id.MixerTasks())

	loaded, err := store.LoadTasks(TaskKindMixer)
	require.NoError(t, err)
	require.Empty(t, loaded)
}
