package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/metrics"
	"github.com/rcourtman/pulse-insights/internal/models"
)

const (
	defaultCHDialTimeout = 10 * time.Second
	defaultCHMaxRetries  = 3
	defaultCHRetryDelay  = time.Second
)

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	DialTimeout   time.Duration
	MaxRetries    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultClickHouseConfig targets a local server.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Addr:          "localhost:9000",
		Database:      "default",
		Username:      "default",
		DialTimeout:   defaultCHDialTimeout,
		MaxRetries:    defaultCHMaxRetries,
		BatchSize:     5000,
		FlushInterval: 2 * time.Second,
	}
}

const (
	metricRecordsDDL = `
		CREATE TABLE IF NOT EXISTS metric_records (
			stream_id String,
			account LowCardinality(String),
			name LowCardinality(String),
			mode LowCardinality(String),
			criteria String,
			value Float64,
			timestamp DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (account, name, stream_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 30 DAY`

	statSamplesDDL = `
		CREATE TABLE IF NOT EXISTS stat_samples (
			stream_key String,
			account LowCardinality(String),
			name LowCardinality(String),
			criteria String,
			granularity LowCardinality(String),
			value Float64,
			mean Float64,
			stddev Float64,
			diff Float64,
			min_value Float64,
			max_value Float64,
			anomaly UInt8,
			timestamp DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (stream_key, granularity, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY`
)

// ClickHouseSink batches records into ClickHouse tables.
type ClickHouseSink struct {
	conn   driver.Conn
	config ClickHouseConfig

	mu      sync.Mutex
	metrics []models.MetricRecord
	stats   []models.StatRecord

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// connectClickHouse opens a connection, retrying with exponential backoff.
func connectClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      cfg.DialTimeout,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}

	retries := max(cfg.MaxRetries, 1)
	delay := defaultCHRetryDelay
	var (
		conn driver.Conn
		err  error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", retries, err)
}

// NewClickHouseSink connects, creates the tables and starts the flush loop.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultClickHouseConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultClickHouseConfig().FlushInterval
	}

	conn, err := connectClickHouse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for name, ddl := range map[string]string{"metric_records": metricRecordsDDL, "stat_samples": statSamplesDDL} {
		if err := conn.Exec(ctx, ddl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating table %s: %w", name, err)
		}
	}

	s := &ClickHouseSink{conn: conn, config: cfg, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.flushLoop()
	log.Info().Str("addr", cfg.Addr).Str("database", cfg.Database).Msg("ClickHouse sink connected")
	return s, nil
}

func (s *ClickHouseSink) WriteMetric(rec models.MetricRecord) {
	s.mu.Lock()
	s.metrics = append(s.metrics, rec)
	full := len(s.metrics)+len(s.stats) >= s.config.BatchSize
	s.mu.Unlock()
	if full {
		s.flushAsync()
	}
}

func (s *ClickHouseSink) WriteStat(rec models.StatRecord) {
	s.mu.Lock()
	s.stats = append(s.stats, rec)
	full := len(s.metrics)+len(s.stats) >= s.config.BatchSize
	s.mu.Unlock()
	if full {
		s.flushAsync()
	}
}

func (s *ClickHouseSink) flushAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Flush(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to flush ClickHouse batch")
		}
	}()
}

// Flush sends everything buffered.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	recs, stats := s.metrics, s.stats
	s.metrics, s.stats = nil, nil
	s.mu.Unlock()

	if err := s.insertMetrics(ctx, recs); err != nil {
		metrics.RecordSinkError()
		return err
	}
	if err := s.insertStats(ctx, stats); err != nil {
		metrics.RecordSinkError()
		return err
	}
	return nil
}

func (s *ClickHouseSink) insertMetrics(ctx context.Context, recs []models.MetricRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO metric_records")
	if err != nil {
		return fmt.Errorf("prepare metric batch: %w", err)
	}
	for _, r := range recs {
		if err := batch.Append(metricRow(r)...); err != nil {
			return fmt.Errorf("append metric row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send metric batch: %w", err)
	}
	metrics.RecordSinkWrite("metric_records", len(recs))
	return nil
}

func (s *ClickHouseSink) insertStats(ctx context.Context, stats []models.StatRecord) error {
	if len(stats) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO stat_samples")
	if err != nil {
		return fmt.Errorf("prepare stat batch: %w", err)
	}
	for _, r := range stats {
		if err := batch.Append(statRow(r)...); err != nil {
			return fmt.Errorf("append stat row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send stat batch: %w", err)
	}
	metrics.RecordSinkWrite("stat_samples", len(stats))
	return nil
}

// metricRow orders a record's columns as metric_records declares them.
func metricRow(r models.MetricRecord) []any {
	return []any{r.ID, r.Account, r.Name, string(r.Mode), r.Criteria.String(), r.Value, r.Timestamp}
}

// statRow orders a sample's columns as stat_samples declares them.
func statRow(r models.StatRecord) []any {
	var anomaly uint8
	if r.Anomaly {
		anomaly = 1
	}
	return []any{r.Key(), r.Account, r.Name, r.Criteria.String(), string(r.Granularity),
		r.Value, r.Mean, r.StdDev, r.Diff, r.Min, r.Max, anomaly, r.Timestamp}
}

func (s *ClickHouseSink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("Periodic ClickHouse flush failed")
			}
		}
	}
}

// Close flushes the remaining rows and closes the connection.
func (s *ClickHouseSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ferr := s.Flush(ctx); ferr != nil {
			log.Error().Err(ferr).Msg("Final ClickHouse flush failed")
		}
		err = s.conn.Close()
	})
	return err
}
