package wallet

import (
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

// MixingOptions is the user's budget for a pocket: how much in fees they are
// willing to spend on joins. Spent may overshoot Budget by at most one fee;
// the overshoot demotes the pocket.
type MixingOptions struct {
	Budget int64 `json:"budget"`
	Spent  int64 `json:"spent"`
}

// Pocket is a numbered subdivision of the wallet with its own HD branch pair.
// Branch 2i is the pocket's main chain, branch 2i+1 its change chain. The
// extended private keys are stored sealed under the pocket password; decrypted
// copies live only in memory and are cleared when the security context
// expires.
type Pocket struct {
	Index  int    `json:"index"`
	Label  string `json:"label,omitempty"`
	Mixing bool   `json:"mixing"`

	MixingOptions MixingOptions `json:"mixingOptions"`

	// base58 of the password-sealed extended private keys.
	MasterKeyEnc string `json:"masterKeyEnc,omitempty"`
	ChangeKeyEnc string `json:"changeKeyEnc,omitempty"`

	// watch-only extended public keys for address derivation.
	MasterPub string `json:"masterPub"`
	ChangePub string `json:"changePub"`

	masterKey *hdkeychain.ExtendedKey
	changeKey *hdkeychain.ExtendedKey
}

// MainBranch and ChangeBranch return the pocket's derivation branch numbers.
func (p *Pocket) MainBranch() uint32 {
	return uint32(p.Index * 2)
}

func (p *Pocket) ChangeBranch() uint32 {
	return uint32(p.Index*2 + 1)
}

// PocketOfBranch maps a derivation branch back to its pocket index.
func PocketOfBranch(branch uint32) int {
	return int(branch / 2)
}

// IsChangeBranch reports whether a branch number is a change chain.
func IsChangeBranch(branch uint32) bool {
	return branch%2 == 1
}

// HasEncryptedKeys reports whether the pocket carries sealed private key
// material.
func (p *Pocket) HasEncryptedKeys() bool {
	return p.MasterKeyEnc != ""
}

// UnlockKeys decrypts the pocket's extended private keys under the given
// password and caches the in-memory copies.
func (p *Pocket) UnlockKeys(password string) (master, change *hdkeychain.ExtendedKey, err error) {
	if p.masterKey != nil && p.changeKey != nil {
		return p.masterKey, p.changeKey, nil
	}
	if !p.HasEncryptedKeys() {
		return nil, nil, errors.New("pocket has no private key material")
	}

	master, err = openExtendedKey(p.MasterKeyEnc, password)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to unlock master key")
	}
	change, err = openExtendedKey(p.ChangeKeyEnc, password)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to unlock change key")
	}

	p.masterKey, p.changeKey = master, change
	return master, change, nil
}

// HasDecryptedKeys reports whether in-memory private key copies are live.
func (p *Pocket) HasDecryptedKeys() bool {
	return p.masterKey != nil || p.changeKey != nil
}

// ClearKeys drops the in-memory private key copies.
func (p *Pocket) ClearKeys() {
	if p.masterKey != nil {
		p.masterKey.Zero()
		p.masterKey = nil
	}
	if p.changeKey != nil {
		p.changeKey.Zero()
		p.changeKey = nil
	}
}

// SealKeys stores the extended private keys sealed under password.
func (p *Pocket) SealKeys(password string, master, change *hdkeychain.ExtendedKey) error {
	masterEnc, err := sealExtendedKey(master, password)
	if err != nil {
		return err
	}
	changeEnc, err := sealExtendedKey(change, password)
	if err != nil {
		return err
	}
	p.MasterKeyEnc, p.ChangeKeyEnc = masterEnc, changeEnc

	masterPub, err := master.Neuter()
	if err != nil {
		return errors.Wrap(err, "failed to neuter master key")
	}
	changePub, err := change.Neuter()
	if err != nil {
		return errors.Wrap(err, "failed to neuter change key")
	}
	p.MasterPub, p.ChangePub = masterPub.String(), changePub.String()
	return nil
}

func openExtendedKey(enc, password string) (*hdkeychain.ExtendedKey, error) {
	sealed := base58.Decode(enc)
	if len(sealed) == 0 {
		return nil, errors.New("invalid key encoding")
	}
	raw, err := OpenWithPassword(password, sealed)
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewKeyFromString(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse extended key")
	}
	if !key.IsPrivate() {
		return nil, errors.New("expected an extended private key")
	}
	return key, nil
}

func sealExtendedKey(key *hdkeychain.ExtendedKey, password string) (string, error) {
	sealed, err := SealWithPassword(password, []byte(key.String()))
	if err != nil {
		return "", err
	}
	return base58.Encode(sealed), nil
}
