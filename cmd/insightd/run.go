package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-insights/internal/api"
	"github.com/rcourtman/pulse-insights/internal/config"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the insight pipeline (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Starting insightd")

	a, err := buildApp(ctx, cfg, appOptions{useBus: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.bus != nil {
		if _, err := a.bus.SubscribeEvents(func(evt models.Event) {
			a.pipeline.Submit("nats", evt)
		}); err != nil {
			return fmt.Errorf("subscribe to events: %w", err)
		}
		if _, err := a.bus.SubscribeControl(func(ctl stats.Control) {
			if err := a.pipeline.Control(ctl); err != nil {
				log.Warn().Err(err).Str("op", string(ctl.Op)).Msg("Failed to apply control command")
			}
		}); err != nil {
			return fmt.Errorf("subscribe to control commands: %w", err)
		}
		log.Info().
			Str("events", cfg.NATS.EventsSubject).
			Str("control", cfg.NATS.ControlSubject).
			Msg("Subscribed to NATS subjects")
	}

	watcher, err := config.NewConfigWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, runtime reload disabled")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(reloadChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading runtime configuration")
				if watcher != nil {
					watcher.ReloadConfig()
				}
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(gctx) })
	if cfg.Admin.Addr != "" {
		opts := []api.Option{api.WithVersion(Version)}
		if h, ok := a.sink.(api.HistoryReader); ok {
			opts = append(opts, api.WithHistory(h))
		}
		if r, ok := a.sink.(api.StorageReporter); ok {
			opts = append(opts, api.WithStorage(r))
		}
		server := api.NewServer(cfg.Admin.Addr, a.pipeline, opts...)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	log.Info().Msg("insightd stopped")
	return err
}
