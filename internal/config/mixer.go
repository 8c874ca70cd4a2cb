package config

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gitlab.com/distributed_lab/figure"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

type Mixerer interface {
	Mixer() *MixerInfo
}

// MixerInfo tunes the coordinator and fixes the node's lobby identity.
type MixerInfo struct {
	Network              string `fig:"network"`
	GuestFee             int64  `fig:"guest_fee"`
	RetryIntervalSeconds int64  `fig:"retry_interval_seconds"`
	PrivateKeyHex        string `fig:"prv_key_hex"`
}

func (c *config) Mixer() *MixerInfo {
	return c.mixer.Do(func() interface{} {
		info := &MixerInfo{}
		if err := figure.Out(info).From(kv.MustGetStringMap(c.getter, "mixer")).Please(); err != nil {
			panic(errors.Wrap(err, "failed to figure out mixer config"))
		}
		return info
	}).(*MixerInfo)
}

// Net resolves the configured network name. Unknown names are a config
// error.
func (m *MixerInfo) Net() *chaincfg.Params {
	switch m.Network {
	case "", "mainnet":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		panic(errors.New("unknown network: " + m.Network))
	}
}

// RetryInterval returns the configured announce retry pacing, or zero for
// the coordinator default.
func (m *MixerInfo) RetryInterval() time.Duration {
	return time.Duration(m.RetryIntervalSeconds) * time.Second
}
