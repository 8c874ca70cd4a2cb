package wallet

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/internal/events"
)

// Address types tracked by the wallet. Joins only ever touch the default
// keyhash type.
const (
	AddressTypeDefault  = "pubkeyhash"
	AddressTypeMultisig = "multisig"
	AddressTypeStealth  = "stealth"
)

const dustLimit = 546

var (
	ErrInsufficientFunds = errors.New("insufficient confirmed funds in pocket")
	ErrUnknownAddress    = errors.New("address does not belong to the wallet")
)

// Recipient is one payment of a prepared transaction.
type Recipient struct {
	Address string
	Amount  int64
}

// Output is an entry of the wallet's output index, keyed "<txhash>:<vout>".
type Output struct {
	Address   string `json:"address"`
	Value     int64  `json:"value"`
	Pocket    int    `json:"pocket"`
	Confirmed bool   `json:"confirmed"`
	Spent     bool   `json:"spent"`
}

// AddressInfo describes a wallet address: its derivation path relative to the
// pocket root (branch, index, ...) and its type.
type AddressInfo struct {
	Index []uint32 `json:"index"`
	Type  string   `json:"type"`
}

// Broadcaster pushes a final transaction to the network. Network submission
// lives outside this service; the default implementation only logs.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) error
}

// LogBroadcaster is the default Broadcaster.
type LogBroadcaster struct {
	Log *logan.Entry
}

func (b *LogBroadcaster) Broadcast(tx *wire.MsgTx) error {
	raw, err := SerializeTxHex(tx)
	if err != nil {
		return err
	}
	b.Log.WithField("txid", tx.TxHash().String()).Infof("broadcasting %d bytes", len(raw)/2)
	return nil
}

// Wallet is the HD-pocket wallet collaborator: it prepares join candidates,
// signs the wallet's own inputs inside a joint transaction, and tracks the
// output and address indexes the signer resolves against.
type Wallet struct {
	log *logan.Entry
	net *chaincfg.Params
	gui events.Poster

	broadcaster Broadcaster

	mu        sync.Mutex
	pockets   []*Pocket
	outputs   map[string]*Output
	addresses map[string]*AddressInfo
	nextIndex map[uint32]uint32
}

func New(log *logan.Entry, net *chaincfg.Params, gui events.Poster, broadcaster Broadcaster) *Wallet {
	if broadcaster == nil {
		broadcaster = &LogBroadcaster{Log: log}
	}
	return &Wallet{
		log:         log,
		net:         net,
		gui:         gui,
		broadcaster: broadcaster,
		outputs:     make(map[string]*Output),
		addresses:   make(map[string]*AddressInfo),
		nextIndex:   make(map[uint32]uint32),
	}
}

// Net returns the wallet's network parameters.
func (w *Wallet) Net() *chaincfg.Params {
	return w.net
}

// AddPocket registers a pocket. Pockets are kept sorted by index.
func (w *Wallet) AddPocket(p *Pocket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pockets = append(w.pockets, p)
	sort.Slice(w.pockets, func(i, j int) bool { return w.pockets[i].Index < w.pockets[j].Index })
}

// HDPockets returns the pockets in index order.
func (w *Wallet) HDPockets() []*Pocket {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Pocket, len(w.pockets))
	copy(out, w.pockets)
	return out
}

// Pocket returns the pocket at the given index, or nil.
func (w *Wallet) Pocket(index int) *Pocket {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pockets {
		if p.Index == index {
			return p
		}
	}
	return nil
}

// AddOutput records an output in the index.
func (w *Wallet) AddOutput(key string, out *Output) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputs[key] = out
}

// Output resolves an index entry by its "<txhash>:<vout>" key.
func (w *Wallet) Output(key string) (*Output, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out, ok := w.outputs[key]
	return out, ok
}

// RegisterAddress records an externally derived wallet address.
func (w *Wallet) RegisterAddress(addr string, info *AddressInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addresses[addr] = info
}

// WalletAddress resolves address metadata, reporting unknown addresses.
func (w *Wallet) WalletAddress(addr string) (*AddressInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.addresses[addr]
	return info, ok
}

// ConfirmedBalance sums the confirmed unspent outputs of a pocket.
func (w *Wallet) ConfirmedBalance(pocket int) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var sum int64
	for _, out := range w.outputs {
		if out.Pocket == pocket && out.Confirmed && !out.Spent {
			sum += out.Value
		}
	}
	return sum
}

// GetFreeAddress derives the next unused address on the pocket's main branch.
func (w *Wallet) GetFreeAddress(pocket int, label string) (string, error) {
	p := w.Pocket(pocket)
	if p == nil {
		return "", errors.New("unknown pocket")
	}
	return w.deriveAddress(p.MasterPub, p.MainBranch(), label)
}

// GetChangeAddress derives the next unused address on the pocket's change
// branch.
func (w *Wallet) GetChangeAddress(pocket int, label string) (string, error) {
	p := w.Pocket(pocket)
	if p == nil {
		return "", errors.New("unknown pocket")
	}
	return w.deriveAddress(p.ChangePub, p.ChangeBranch(), label)
}

func (w *Wallet) deriveAddress(xpub string, branch uint32, label string) (string, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse pocket public key")
	}

	w.mu.Lock()
	n := w.nextIndex[branch]
	w.nextIndex[branch] = n + 1
	w.mu.Unlock()

	child, err := key.Derive(n)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive address key")
	}
	addr, err := child.Address(w.net)
	if err != nil {
		return "", errors.Wrap(err, "failed to build address")
	}

	encoded := addr.EncodeAddress()
	w.RegisterAddress(encoded, &AddressInfo{
		Index: []uint32{branch, n},
		Type:  AddressTypeDefault,
	})
	w.log.WithField("label", label).Debugf("derived address %s at %d/%d", encoded, branch, n)
	return encoded, nil
}

// Prepare builds an unsigned candidate transaction spending confirmed outputs
// of a pocket: the recipients, then change back to changeAddr when above
// dust.
func (w *Wallet) Prepare(pocket int, recipients []Recipient, changeAddr string, fee int64) (*wire.MsgTx, error) {
	var target int64
	for _, r := range recipients {
		target += r.Amount
	}
	target += fee

	utxos, total, err := w.selectOutputs(pocket, target)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(JoinTxVersion)
	for _, key := range utxos {
		op, err := parseOutpointKey(key)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
	}

	for _, r := range recipients {
		script, err := w.payToAddrScript(r.Address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(r.Amount, script))
	}

	if change := total - target; change > dustLimit {
		script, err := w.payToAddrScript(changeAddr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, script))
	}
	return tx, nil
}

func (w *Wallet) selectOutputs(pocket int, target int64) ([]string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.outputs))
	for key, out := range w.outputs {
		if out.Pocket == pocket && out.Confirmed && !out.Spent {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var total int64
	selected := keys[:0]
	for _, key := range keys {
		selected = append(selected, key)
		total += w.outputs[key].Value
		if total >= target {
			return selected, total, nil
		}
	}
	return nil, 0, ErrInsufficientFunds
}

// SignMyInputs signs every input of tx whose prior output belongs to the
// wallet and whose address has a key in keys. Returns how many inputs were
// signed.
func (w *Wallet) SignMyInputs(tx *wire.MsgTx, keys map[string]*btcec.PrivateKey) (int, error) {
	signed := 0
	for i, txin := range tx.TxIn {
		out, ok := w.Output(OutpointKey(txin.PreviousOutPoint))
		if !ok {
			continue
		}
		priv, ok := keys[out.Address]
		if !ok {
			continue
		}

		script, err := w.payToAddrScript(out.Address)
		if err != nil {
			return signed, err
		}
		sigScript, err := txscript.SignatureScript(tx, i, script, txscript.SigHashAll, priv, true)
		if err != nil {
			return signed, errors.Wrap(err, "failed to sign input")
		}
		txin.SignatureScript = sigScript
		signed++
	}
	return signed, nil
}

// BroadcastTx submits a final transaction and marks its inputs spent.
func (w *Wallet) BroadcastTx(tx *wire.MsgTx, task *Task) error {
	if err := w.broadcaster.Broadcast(tx); err != nil {
		return errors.Wrap(err, "broadcast failed")
	}

	w.mu.Lock()
	for _, txin := range tx.TxIn {
		if out, ok := w.outputs[OutpointKey(txin.PreviousOutPoint)]; ok {
			out.Spent = true
		}
	}
	w.mu.Unlock()
	return nil
}

// SendFallback transmits the task's original unmixed transaction after the
// mix could not be arranged in time.
func (w *Wallet) SendFallback(kind string, task *Task) error {
	tx, err := DecodeTxHex(task.Tx)
	if err != nil {
		return errors.Wrap(err, "invalid fallback transaction")
	}
	if err := w.BroadcastTx(tx, task); err != nil {
		return err
	}
	if w.gui != nil {
		w.gui.Post("gui", events.Event{Type: kind, State: "Sending with no mixing"})
	}
	w.log.WithField("task", task.Key).Info("sent with no mixing")
	return nil
}

// DeriveHDPrivateKey walks the path tail below the given pocket root key.
func (w *Wallet) DeriveHDPrivateKey(path []uint32, root *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	key := root
	var err error
	for _, n := range path {
		if key, err = key.Derive(n); err != nil {
			return nil, errors.Wrap(err, "derivation step failed")
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract private key")
	}
	return priv, nil
}

func (w *Wallet) payToAddrScript(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, w.net)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address")
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build output script")
	}
	return script, nil
}

func parseOutpointKey(key string) (*wire.OutPoint, error) {
	sep := strings.LastIndexByte(key, ':')
	if sep < 0 {
		return nil, errors.New("malformed outpoint key")
	}
	hash, err := chainhash.NewHashFromStr(key[:sep])
	if err != nil {
		return nil, errors.Wrap(err, "malformed outpoint hash")
	}
	vout, err := strconv.ParseUint(key[sep+1:], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "malformed outpoint index")
	}
	return wire.NewOutPoint(hash, uint32(vout)), nil
}
