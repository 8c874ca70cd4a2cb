package config

import (
	"gitlab.com/distributed_lab/figure"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

type Channeler interface {
	Channel() *ChannelInfo
}

// ChannelInfo points at the lobby relay.
type ChannelInfo struct {
	RelayURL string `fig:"relay_url,required"`
}

func (c *config) Channel() *ChannelInfo {
	return c.channel.Do(func() interface{} {
		info := &ChannelInfo{}
		if err := figure.Out(info).From(kv.MustGetStringMap(c.getter, "channel")).Please(); err != nil {
			panic(errors.Wrap(err, "failed to figure out channel config"))
		}
		return info
	}).(*ChannelInfo)
}
