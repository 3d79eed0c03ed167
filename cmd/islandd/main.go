// islandd - LAN notification relay daemon
//
// islandd pairs with nearby devices over the local network and keeps
// live notification sessions in sync between them: discovery, PIN
// pairing, encrypted differential sync, duplicate suppression, and a
// persisted session history.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"islandd/internal/config"
	"islandd/internal/contentstore"
	"islandd/internal/dedup"
	"islandd/internal/history"
	"islandd/internal/island"
	"islandd/internal/lockscreen"
	"islandd/internal/logging"
	"islandd/internal/pairing"
	"islandd/internal/relay"
	"islandd/internal/store"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the config file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("islandd %s\n", version)
		return
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "islandd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	// A fresh install gets its device identity on first run.
	if cfg.EnsureDeviceUUID() {
		if err := cfg.Save(configPath); err != nil {
			logger.Warn("could not persist generated device uuid", "error", err)
		}
	}

	logger.Info("starting islandd", "version", version, "device", cfg.Device.UUID, "name", cfg.Device.DisplayName)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	content, err := contentstore.New(db)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks := lockscreen.NewWatcher(logger)
	locks.Start(ctx)
	defer locks.Stop()

	islands := island.NewEngine(content, locks.Locked, logger)
	notifier := newLogNotifier(logger)
	dedupEngine := dedup.NewEngine(cfg.Dedup, db, locks.Locked, notifier.Cancel, logger)
	dedupEngine.Start(ctx)
	defer dedupEngine.Stop()

	hist := history.NewLog(db, content, cfg.History.MaxEntries, logger)

	pairs, err := pairing.NewManager(cfg, db, logger, nil)
	if err != nil {
		return fmt.Errorf("init pairing: %w", err)
	}

	svc := relay.New(cfg.Filter, pairs, islands, dedupEngine, hist, notifier, nil, logger)
	svc.SetContext(ctx)
	pairs.OnPacket(svc.OnRemotePacket)

	if err := pairs.Start(ctx); err != nil {
		return fmt.Errorf("start pairing: %w", err)
	}
	defer pairs.Stop()

	watcher, err := config.NewWatcher(configPath,
		func(next *config.Config) { svc.UpdateFilter(next.Filter) },
		func(err error) { logger.Warn("config reload failed", "error", err) },
	)
	if err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// Discovered peers get a connection attempt; pairing handshakes and
	// sync both ride the same link.
	go func() {
		for ev := range pairs.Events() {
			if ev.Type != pairing.PeerFound {
				continue
			}
			if err := pairs.Connect(ctx, ev.UUID, ev.Address, ev.Port); err != nil {
				logger.Debug("connect failed", "peer", ev.UUID, "error", err)
			}
		}
	}()

	go maintenanceLoop(ctx, cfg, content, islands, hist, pairs, dedupEngine, logger)

	logger.Info("islandd running", "listen_port", cfg.Listen.Port, "discovery", cfg.Discovery.Enabled)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		Component: "islandd",
	}), nil
}

// maintenanceLoop runs the daily store GC and an hourly status line.
func maintenanceLoop(ctx context.Context, cfg *config.Config, content *contentstore.Store, islands *island.Engine, hist *history.Log, pairs *pairing.Manager, dedups *dedup.Engine, logger *logging.Logger) {
	gc := time.NewTicker(24 * time.Hour)
	defer gc.Stop()
	status := time.NewTicker(time.Hour)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-gc.C:
			live := islands.LiveRefs()
			if histRefs, err := hist.LiveRefs(); err == nil {
				live = append(live, histRefs...)
			} else {
				logger.Warn("history ref scan failed", "error", err)
			}
			if err := content.RebuildAndPrune(live); err != nil {
				logger.Warn("content rebuild failed", "error", err)
			}
			if err := content.Prune(cfg.Store.ContentMaxEntries, cfg.Store.ContentMaxAgeDays); err != nil {
				logger.Warn("content prune failed", "error", err)
			}
			if n, err := dedups.PruneLog(24 * time.Hour); err != nil {
				logger.Warn("notification log prune failed", "error", err)
			} else if n > 0 {
				logger.Debug("notification log pruned", "rows", n)
			}
			if n := islands.PruneSent(24 * time.Hour); n > 0 {
				logger.Debug("stale send snapshots pruned", "count", n)
			}

		case <-status.C:
			stats := content.Stats()
			acks := islands.Stats()
			logger.Info("status",
				"peers", len(pairs.Peers()),
				"content_entries", stats.Entries,
				"packets_sent", acks.Sent,
				"packets_acked", acks.Acked,
			)
		}
	}
}
