package mixer

import (
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"gitlab.com/distributed_lab/logan/v3"
	"gitlab.com/distributed_lab/logan/v3/errors"

	"github.com/darkwallet/mixer-svc/internal/safe"
	"github.com/darkwallet/mixer-svc/internal/wallet"
)

var (
	ErrPasswordExpired    = errors.New("no live password for signing")
	ErrMissingOutput      = errors.New("prior output not found in wallet index")
	ErrUnsupportedAddress = errors.New("unsupported address type")
	ErrPocketMismatch     = errors.New("input does not belong to the session pocket")
	ErrNothingSigned      = errors.New("not every input of ours was signed")
)

// SignerBridge gathers private keys under a live password and delegates
// input signing to the wallet. Key sourcing depends on the role: the host's
// keys travel sealed inside the task, the guest's are derived from the
// pocket's HD roots.
type SignerBridge struct {
	log      *logan.Entry
	safe     safe.Safe
	wal      *wallet.Wallet
	identity *wallet.Identity
}

func NewSignerBridge(log *logan.Entry, s safe.Safe, wal *wallet.Wallet, identity *wallet.Identity) *SignerBridge {
	return &SignerBridge{
		log:      log,
		safe:     s,
		wal:      wal,
		identity: identity,
	}
}

// RequestSignInputs signs this party's inputs inside the session's joint
// transaction. Any failure is fatal to the session; the caller cancels.
func (b *SignerBridge) RequestSignInputs(s *Session) error {
	keys, err := b.gatherKeys(s)
	if err != nil {
		return err
	}

	signed, err := b.wal.SignMyInputs(s.Tx, keys)
	if err != nil {
		return err
	}
	if signed < len(s.MyTx.TxIn) {
		return ErrNothingSigned
	}
	b.log.WithField("id", s.ID).Debugf("signed %d inputs", signed)
	return nil
}

func (b *SignerBridge) gatherKeys(s *Session) (map[string]*btcec.PrivateKey, error) {
	if s.Task != nil {
		return b.hostKeys(s)
	}
	return b.guestKeys(s)
}

// hostKeys decrypts the task's sealed key blob under the ("send", txhash)
// safe entry.
func (b *SignerBridge) hostKeys(s *Session) (map[string]*btcec.PrivateKey, error) {
	txHash := s.MyTx.TxHash().String()
	password, ok := b.safe.Get(safe.NamespaceSend, txHash)
	if !ok {
		return nil, ErrPasswordExpired
	}

	raw, err := wallet.OpenWithPassword(password, s.Task.PrivKeys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt task keys")
	}

	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, errors.Wrap(err, "malformed task key blob")
	}

	keys := make(map[string]*btcec.PrivateKey, len(encoded))
	for addr, privHex := range encoded {
		privBytes, err := hex.DecodeString(privHex)
		if err != nil || len(privBytes) != 32 {
			return nil, errors.New("malformed private key in task blob")
		}
		priv, _ := btcec.PrivKeyFromBytes(privBytes)
		keys[addr] = priv
	}
	return keys, nil
}

// guestKeys derives a key per input address from the pocket's HD roots,
// validating that every input really belongs to the session pocket.
func (b *SignerBridge) guestKeys(s *Session) (map[string]*btcec.PrivateKey, error) {
	pocket := b.wal.Pocket(s.Pocket)
	if pocket == nil {
		return nil, errors.New("session pocket is gone")
	}

	password, ok := b.safe.Get(safe.NamespaceMixer, safe.PocketKey(s.Pocket))
	if !ok {
		return nil, ErrPasswordExpired
	}

	master, change, err := pocket.UnlockKeys(password)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*btcec.PrivateKey, len(s.MyTx.TxIn))
	for _, txin := range s.MyTx.TxIn {
		out, ok := b.wal.Output(wallet.OutpointKey(txin.PreviousOutPoint))
		if !ok {
			return nil, ErrMissingOutput
		}
		info, ok := b.wal.WalletAddress(out.Address)
		if !ok {
			return nil, ErrMissingOutput
		}
		if info.Type != wallet.AddressTypeDefault || len(info.Index) == 0 {
			return nil, ErrUnsupportedAddress
		}

		branch := info.Index[0]
		if wallet.PocketOfBranch(branch) != s.Pocket {
			return nil, ErrPocketMismatch
		}

		root := master
		if wallet.IsChangeBranch(branch) {
			root = change
		}
		priv, err := b.wal.DeriveHDPrivateKey(info.Index[1:], root)
		if err != nil {
			return nil, err
		}
		keys[out.Address] = priv
	}
	return keys, nil
}
