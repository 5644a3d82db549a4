// Package storage persists metric records and statistics samples.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// Backend names.
const (
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
	BackendNone       = "none"
)

// Sink is the terminal persistence stage. Writes are buffered and never
// block on I/O; Flush forces buffered rows out.
type Sink interface {
	WriteMetric(rec models.MetricRecord)
	WriteStat(rec models.StatRecord)
	Flush(ctx context.Context) error
	Close() error
}

// Config selects and configures the sink backend.
type Config struct {
	Backend    string
	SQLite     SQLiteConfig
	ClickHouse ClickHouseConfig
}

// DefaultConfig persists to SQLite under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Backend:    BackendSQLite,
		SQLite:     DefaultSQLiteConfig(filepath.Join(dataDir, "insights.db")),
		ClickHouse: DefaultClickHouseConfig(),
	}
}

// Open creates the configured sink.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendSQLite, "":
		log.Info().Str("backend", BackendSQLite).Str("path", cfg.SQLite.DBPath).Msg("Using persistence sink")
		return NewSQLiteSink(cfg.SQLite)
	case BackendClickHouse:
		log.Info().Str("backend", BackendClickHouse).Str("addr", cfg.ClickHouse.Addr).Msg("Using persistence sink")
		return NewClickHouseSink(ctx, cfg.ClickHouse)
	case BackendNone:
		log.Info().Str("backend", BackendNone).Msg("Persistence disabled")
		return NopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (supported: sqlite, clickhouse, none)", cfg.Backend)
	}
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) WriteMetric(models.MetricRecord) {}
func (NopSink) WriteStat(models.StatRecord)     {}
func (NopSink) Flush(context.Context) error     { return nil }
func (NopSink) Close() error                    { return nil }
