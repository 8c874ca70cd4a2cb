package config

import (
	"gitlab.com/distributed_lab/kit/comfig"
	"gitlab.com/distributed_lab/kit/kv"
)

type Config interface {
	comfig.Logger
	Mixerer
	Channeler
	Storager
	Vaulter
}

type config struct {
	comfig.Logger
	getter kv.Getter

	mixer   comfig.Once
	channel comfig.Once
	storage comfig.Once
	vault   comfig.Once
}

func New(getter kv.Getter) Config {
	return &config{
		getter: getter,
		Logger: comfig.NewLogger(getter, comfig.LoggerOpts{}),
	}
}
