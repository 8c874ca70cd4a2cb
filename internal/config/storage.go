package config

import (
	"gitlab.com/distributed_lab/figure"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

type Storager interface {
	Storage() *StorageInfo
}

// StorageInfo locates the identity database.
type StorageInfo struct {
	Path string `fig:"path,required"`
}

func (c *config) Storage() *StorageInfo {
	return c.storage.Do(func() interface{} {
		info := &StorageInfo{}
		if err := figure.Out(info).From(kv.MustGetStringMap(c.getter, "storage")).Please(); err != nil {
			panic(errors.Wrap(err, "failed to figure out storage config"))
		}
		return info
	}).(*StorageInfo)
}
