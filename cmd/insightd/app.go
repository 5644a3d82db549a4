package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/bus"
	"github.com/rcourtman/pulse-insights/internal/config"
	"github.com/rcourtman/pulse-insights/internal/fanout"
	"github.com/rcourtman/pulse-insights/internal/logging"
	"github.com/rcourtman/pulse-insights/internal/notifications"
	"github.com/rcourtman/pulse-insights/internal/pipeline"
	"github.com/rcourtman/pulse-insights/internal/storage"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

// app holds the assembled process components.
type app struct {
	cfg      *config.Config
	sink     storage.Sink
	bus      *bus.Bus
	pipeline *pipeline.Pipeline
}

type appOptions struct {
	// useBus connects to NATS when the configuration enables it.
	useBus bool
	// output, when set, receives every notification as a JSON line.
	output io.Writer
}

// loadConfig loads the configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "insightd"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LoggingConfig("insightd"))
	whitelist.SetVolatilePatterns(cfg.Fanout.VolatilePatterns)
	return cfg, nil
}

// buildApp opens the sink, the bus and the routers and assembles the
// pipeline. Close releases everything that was opened.
func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	sink, err := storage.Open(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.sink = sink

	if opts.useBus && cfg.NATS.Enabled {
		b, err := bus.Connect(cfg.BusConfig())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.bus = b
	}

	var routers []notifications.Router
	if cfg.Notifications.Log {
		routers = append(routers, notifications.LogRouter{})
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		wr, err := notifications.NewWebhookRouter(cfg.Notifications.Webhooks)
		if err != nil {
			a.Close()
			return nil, err
		}
		routers = append(routers, wr)
	}
	if a.bus != nil && cfg.Notifications.PublishNATS {
		routers = append(routers, notifications.NewBusRouter(a.bus, cfg.NATS.NotificationsSubject))
	}
	if opts.output != nil {
		routers = append(routers, notifications.NewWriterRouter(opts.output))
	}
	dispatcher := notifications.NewDispatcher(cfg.Pipeline.RecentNotifications, routers...)

	var pipeOpts []pipeline.Option
	if cfg.Fanout.TrackHashtags {
		pipeOpts = append(pipeOpts, pipeline.WithHashtagHistory(fanout.NewLastSeenHistory()))
	}
	p, err := pipeline.New(pipeline.Config{
		Stats:         cfg.StatsConfigs(),
		Aggregation:   cfg.AggregatorConfig(),
		FlushInterval: cfg.Aggregation.FlushInterval,
		Shards:        cfg.Pipeline.StatsShards,
		QueueSize:     cfg.Pipeline.QueueSize,
	}, cfg.FanoutConfig(), sink, dispatcher, pipeOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p

	routerNames := make([]string, 0, len(routers))
	for _, r := range routers {
		routerNames = append(routerNames, r.Name())
	}
	log.Info().
		Str("storage", cfg.Storage.Backend).
		Bool("nats", a.bus != nil).
		Strs("routers", routerNames).
		Msg("Assembled insight pipeline")
	return a, nil
}

// Close drains the bus and flushes and closes the sink.
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close storage cleanly")
		}
	}
}
