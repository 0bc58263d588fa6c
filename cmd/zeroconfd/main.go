// zeroconfd is the mDNS-based master discovery daemon: a drop-in
// replacement for discoverd on networks where multicast heartbeats are
// unwelcome but mDNS is already flowing. It serves the same query API and
// event stream over the same peer table contract.
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
	"github.com/meshmaster/meshmaster/pkg/notify"
	"github.com/meshmaster/meshmaster/pkg/peers"
	"github.com/meshmaster/meshmaster/pkg/zeroconf"
)

const (
	exitOK     = 0
	exitConfig = 2
	exitBind   = 3
)

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
		fmt.Fprintln(os.Stderr, "zeroconfd:", err)
		return exitConfig
	}

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "zeroconfd:", err)
		return exitConfig
	}
	defer log.Sync()

	telemetry.SetBuildInfo(version, gitSHA)

	notifier := notify.New(cfg.EventBuffer)
	tracker := peers.NewTracker(peers.TrackerOptions{
		Timeout:       cfg.PeerTimeout.Std(),
		EmitOnRefresh: cfg.EmitOnRefresh,
	}, func(ev peers.ChangeEvent) {
		telemetry.ChangeEvents.WithLabelValues(ev.Kind.String()).Inc()
		notifier.Publish(ev)
	})

	watcher, err := zeroconf.NewWatcher(zeroconf.Config{
		Service:        cfg.Zeroconf.Service,
		Domain:         cfg.Zeroconf.Domain,
		Name:           cfg.Name,
		Addr:           cfg.Addr,
		Port:           cfg.Port,
		GUID:           uuid.NewString(),
		BrowseInterval: cfg.Zeroconf.BrowseInterval.Std(),
	}, tracker, log.Named("zeroconf"))
	if err != nil {
		log.Error("watcher configuration rejected", zap.Error(err))
		return exitConfig
	}
	if err := watcher.Start(); err != nil {
		log.Error("mdns responder failed", zap.Error(err))
		return exitBind
	}

	querySvc := api.New(cfg.HTTPAddr, tracker, notifier, watcher.Self, log.Named("api"))
	if err := querySvc.Start(); err != nil {
		log.Error("query service bind failed", zap.Error(err))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		watcher.Shutdown(shutdownCtx)
		cancel()
		return exitBind
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := watcher.Shutdown(shutdownCtx); err != nil {
		log.Warn("watcher shutdown incomplete", zap.Error(err))
	}
	notifier.Close()
	if err := querySvc.Shutdown(shutdownCtx); err != nil {
		log.Warn("query service shutdown incomplete", zap.Error(err))
	}
	return exitOK
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
