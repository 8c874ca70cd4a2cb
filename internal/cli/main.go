package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/distributed_lab/kit/kv"
	"gitlab.com/distributed_lab/logan/v3"

	"github.com/darkwallet/mixer-svc/internal/channel"
	"github.com/darkwallet/mixer-svc/internal/config"
	"github.com/darkwallet/mixer-svc/internal/events"
	"github.com/darkwallet/mixer-svc/internal/mixer"
	"github.com/darkwallet/mixer-svc/internal/safe"
	"github.com/darkwallet/mixer-svc/internal/wallet"
)

func Run(args []string) bool {
	defer func() {
		if rvr := recover(); rvr != nil {
			logan.New().WithRecover(rvr).Error("app panicked")
		}
	}()

	cfg := config.New(kv.MustFromEnv())
	log := cfg.Log()

	app := kingpin.New("mixer-svc", "")
	runCmd := app.Command("run", "run command")

	// Running full service
	serviceCmd := runCmd.Command("service", "run service")

	// Running lobby identity generation
	prvgenCmd := runCmd.Command("prvgen", "run prvgen")

	cmd, err := app.Parse(args[1:])
	if err != nil {
		log.WithError(err).Error("failed to parse arguments")
		return false
	}

	switch cmd {
	case serviceCmd.FullCommand():
		err = runService(cfg)
	case prvgenCmd.FullCommand():
		identity, err := channel.GenerateIdentity()
		if err != nil {
			panic(err)
		}
		fmt.Println("Pub: " + identity.PubKeyHex())
		fmt.Println("Prv: " + identity.PrivKeyHex())
		fmt.Println("Fingerprint: " + identity.Fingerprint())
	default:
		log.Errorf("unknown command %s", cmd)
		return false
	}

	if err != nil {
		log.WithError(err).Error("failed to exec cmd")
		return false
	}
	return true
}

func runService(cfg config.Config) error {
	log := cfg.Log()

	go profiling()

	identity, err := channel.IdentityFromHex(cfg.Mixer().PrivateKeyHex)
	if err != nil {
		return err
	}

	store, err := wallet.OpenStore(cfg.Storage().Path)
	if err != nil {
		return err
	}
	defer store.Close()

	gui := events.NewBus(log)
	wal := wallet.New(log, cfg.Mixer().Net(), gui, nil)
	userIdentity, err := wallet.LoadIdentity(log, store, wal)
	if err != nil {
		return err
	}

	var passwordSafe safe.Safe = safe.NewMemorySafe()
	if cfg.VaultEnabled() {
		passwordSafe = safe.NewVaultSafe(log, cfg.Vault(), cfg.VaultSecretPath())
	}

	transport := channel.NewRelayClient(log, cfg.Channel().RelayURL)
	gateway, err := channel.NewGateway(log, transport, identity, cfg.Mixer().Net(), userIdentity.Trusted)
	if err != nil {
		return err
	}

	coordinator := mixer.NewCoordinator(
		log,
		mixer.Params{
			GuestFee:      cfg.Mixer().GuestFee,
			RetryInterval: cfg.Mixer().RetryInterval(),
		},
		gateway,
		userIdentity,
		passwordSafe,
		gui,
		nil,
		mixer.NewMetrics(),
	)

	coordinator.Run(context.Background())
	return nil
}

func profiling() {
	r := http.NewServeMux()
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/metrics", promhttp.Handler())

	if err := http.ListenAndServe(":8080", r); err != nil {
		panic(err)
	}
}
