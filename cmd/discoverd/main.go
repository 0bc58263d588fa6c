// discoverd is the master discovery daemon. It advertises the local
// coordination-server, tracks peer masters, and serves the query API.
// Backends: heartbeat (multicast, default) or etcd; the mDNS backend runs
// as the separate zeroconfd binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshmaster/meshmaster/internal/config"
	"github.com/meshmaster/meshmaster/internal/telemetry"
	"github.com/meshmaster/meshmaster/pkg/api"
	"github.com/meshmaster/meshmaster/pkg/heartbeat"
	"github.com/meshmaster/meshmaster/pkg/notify"
	"github.com/meshmaster/meshmaster/pkg/peers"
	"github.com/meshmaster/meshmaster/pkg/registry"
)

const (
	exitOK       = 0
	exitConfig   = 2
	exitBind     = 3
	exitListener = 4
)

// Set via -ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML configuration")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "discoverd:", err)
		return exitConfig
	}
	if cfg.Backend == config.BackendZeroconf {
		fmt.Fprintln(os.Stderr, "discoverd: the zeroconf backend is served by zeroconfd")
		return exitConfig
	}

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "discoverd:", err)
		return exitConfig
	}
	defer log.Sync()

	telemetry.SetBuildInfo(version, gitSHA)
	guid := uuid.NewString()

	notifier := notify.New(cfg.EventBuffer)
	tracker := peers.NewTracker(peers.TrackerOptions{
		Timeout:       cfg.PeerTimeout.Std(),
		EmitOnRefresh: cfg.EmitOnRefresh,
	}, func(ev peers.ChangeEvent) {
		telemetry.ChangeEvents.WithLabelValues(ev.Kind.String()).Inc()
		notifier.Publish(ev)
	})

	var (
		self     api.SelfStatus
		fatal    <-chan error
		shutdown func(context.Context) error
	)

	switch cfg.Backend {
	case config.BackendHeartbeat:
		tr, err := heartbeat.NewUDPTransport(heartbeat.UDPConfig{
			Group:     cfg.Multicast.Group,
			Interface: cfg.Multicast.Interface,
			TTL:       cfg.Multicast.TTL,
			Loopback:  cfg.Multicast.Loopback,
		}, log.Named("transport"))
		if err != nil {
			log.Error("transport bind failed", zap.Error(err))
			return exitBind
		}
		engine, err := heartbeat.New(heartbeat.Config{
			Name:             cfg.Name,
			Addr:             cfg.Addr,
			Port:             cfg.Port,
			GUID:             guid,
			Period:           cfg.AdvertisePeriod.Std(),
			SweepInterval:    cfg.SweepInterval.Std(),
			PreferSourceAddr: cfg.PreferSourceAddr,
		}, tr, tracker, log.Named("heartbeat"))
		if err != nil {
			log.Error("engine configuration rejected", zap.Error(err))
			return exitConfig
		}
		engine.Start()
		self = engine.Self
		fatal = engine.Fatal()
		shutdown = engine.Shutdown

	case config.BackendEtcd:
		reg, err := registry.New(registry.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout.Std(),
			LeaseTTL:    cfg.Etcd.LeaseTTL,
			Name:        cfg.Name,
			Addr:        cfg.Addr,
			Port:        cfg.Port,
			GUID:        guid,
		}, tracker, log.Named("registry"))
		if err != nil {
			log.Error("registry connect failed", zap.Error(err))
			return exitBind
		}
		if err := reg.Start(); err != nil {
			log.Error("registry start failed", zap.Error(err))
			return exitBind
		}
		selfRec := peers.PeerRecord{
			Identity: peers.PeerIdentity{Addr: cfg.Addr, Port: cfg.Port, GUID: guid},
			Name:     cfg.Name,
			Caps:     peers.CapRegistry,
		}
		self = func() peers.PeerRecord { return selfRec }
		shutdown = reg.Shutdown
	}

	querySvc := api.New(cfg.HTTPAddr, tracker, notifier, self, log.Named("api"))
	if err := querySvc.Start(); err != nil {
		log.Error("query service bind failed", zap.Error(err))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		shutdown(shutdownCtx)
		cancel()
		return exitBind
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-fatal:
		log.Error("discovery listener died", zap.Error(err))
		code = exitListener
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		log.Warn("backend shutdown incomplete", zap.Error(err))
	}
	notifier.Close()
	if err := querySvc.Shutdown(shutdownCtx); err != nil {
		log.Warn("query service shutdown incomplete", zap.Error(err))
	}
	return code
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
