package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/pulse-insights/internal/metrics"
	"github.com/rcourtman/pulse-insights/internal/models"
)

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	DBPath           string
	WriteBufferSize  int           // rows buffered before a batch write
	FlushInterval    time.Duration // max time between flushes
	RetentionMetrics time.Duration // how long metric records are kept
	RetentionStats   time.Duration // how long statistics samples are kept
}

// DefaultSQLiteConfig returns defaults for a database at path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		DBPath:           path,
		WriteBufferSize:  500,
		FlushInterval:    5 * time.Second,
		RetentionMetrics: 7 * 24 * time.Hour,
		RetentionStats:   30 * 24 * time.Hour,
	}
}

// SQLiteSink stores records in a local SQLite database and serves stream
// history back to the statistics stage.
type SQLiteSink struct {
	db     *sql.DB
	config SQLiteConfig

	bufferMu sync.Mutex
	metrics  []models.MetricRecord
	stats    []models.StatRecord
	inflight sync.WaitGroup

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSQLiteSink opens (creating if needed) the database and starts the
// background flush and retention worker.
func NewSQLiteSink(config SQLiteConfig) (*SQLiteSink, error) {
	if config.WriteBufferSize < 1 {
		config.WriteBufferSize = 1
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(config.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open insights database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteSink{
		db:     db,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("bufferSize", config.WriteBufferSize).
		Msg("Insights store initialized")
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS metric_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			account TEXT NOT NULL,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			criteria TEXT NOT NULL,
			value REAL NOT NULL,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metric_records_stream
		ON metric_records(account, stream_id, timestamp);

		CREATE INDEX IF NOT EXISTS idx_metric_records_time
		ON metric_records(timestamp);

		CREATE TABLE IF NOT EXISTS stat_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_key TEXT NOT NULL,
			account TEXT NOT NULL,
			name TEXT NOT NULL,
			criteria TEXT NOT NULL,
			granularity TEXT NOT NULL,
			value REAL NOT NULL,
			mean REAL NOT NULL,
			stddev REAL NOT NULL,
			diff REAL NOT NULL,
			min_value REAL NOT NULL,
			max_value REAL NOT NULL,
			anomaly INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stat_samples_lookup
		ON stat_samples(stream_key, granularity, timestamp);

		CREATE INDEX IF NOT EXISTS idx_stat_samples_time
		ON stat_samples(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Debug().Msg("Insights schema initialized")
	return nil
}

// WriteMetric buffers a metric record.
func (s *SQLiteSink) WriteMetric(rec models.MetricRecord) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	s.metrics = append(s.metrics, rec)
	s.flushIfFullLocked()
}

// WriteStat buffers a statistics sample.
func (s *SQLiteSink) WriteStat(rec models.StatRecord) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	s.stats = append(s.stats, rec)
	s.flushIfFullLocked()
}

// flushIfFullLocked hands a full buffer to a background write (caller must
// hold bufferMu).
func (s *SQLiteSink) flushIfFullLocked() {
	if len(s.metrics)+len(s.stats) < s.config.WriteBufferSize {
		return
	}
	recs, stats := s.takeLocked()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.writeBatch(context.Background(), recs, stats); err != nil {
			log.Error().Err(err).Msg("Failed to write insights batch")
		}
	}()
}

func (s *SQLiteSink) takeLocked() ([]models.MetricRecord, []models.StatRecord) {
	recs, stats := s.metrics, s.stats
	s.metrics, s.stats = nil, nil
	return recs, stats
}

// Flush writes everything buffered and waits for background writes.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	s.bufferMu.Lock()
	recs, stats := s.takeLocked()
	s.bufferMu.Unlock()

	err := s.writeBatch(ctx, recs, stats)
	s.inflight.Wait()
	return err
}

func (s *SQLiteSink) writeBatch(ctx context.Context, recs []models.MetricRecord, stats []models.StatRecord) error {
	if len(recs) == 0 && len(stats) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.RecordSinkError()
		return fmt.Errorf("begin insights transaction: %w", err)
	}
	defer tx.Rollback()

	if len(recs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metric_records (stream_id, account, name, mode, criteria, value, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			metrics.RecordSinkError()
			return fmt.Errorf("prepare metric insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, r.ID, r.Account, r.Name, string(r.Mode), r.Criteria.String(), r.Value, r.Timestamp.UnixMilli()); err != nil {
				log.Warn().Err(err).Str("key", r.Key()).Msg("Failed to insert metric record")
			}
		}
	}

	if len(stats) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stat_samples (stream_key, account, name, criteria, granularity, value, mean, stddev, diff, min_value, max_value, anomaly, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			metrics.RecordSinkError()
			return fmt.Errorf("prepare stat insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range stats {
			if _, err := stmt.ExecContext(ctx, r.Key(), r.Account, r.Name, r.Criteria.String(), string(r.Granularity),
				r.Value, r.Mean, r.StdDev, r.Diff, r.Min, r.Max, r.Anomaly, r.Timestamp.UnixMilli()); err != nil {
				log.Warn().Err(err).Str("key", r.Key()).Msg("Failed to insert statistics sample")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordSinkError()
		return fmt.Errorf("commit insights batch: %w", err)
	}

	metrics.RecordSinkWrite("metric_records", len(recs))
	metrics.RecordSinkWrite("stat_samples", len(stats))
	log.Debug().Int("metrics", len(recs)).Int("stats", len(stats)).Msg("Wrote insights batch")
	return nil
}

const statColumns = `account, name, criteria, granularity, value, mean, stddev, diff, min_value, max_value, anomaly, timestamp`

func scanStat(row interface{ Scan(...any) error }) (models.StatRecord, error) {
	var (
		rec         models.StatRecord
		criteria    string
		granularity string
		ts          int64
	)
	if err := row.Scan(&rec.Account, &rec.Name, &criteria, &granularity, &rec.Value, &rec.Mean,
		&rec.StdDev, &rec.Diff, &rec.Min, &rec.Max, &rec.Anomaly, &ts); err != nil {
		return models.StatRecord{}, err
	}
	c, err := models.ParseCriteria(criteria)
	if err != nil {
		return models.StatRecord{}, err
	}
	rec.Criteria = c
	rec.Granularity = models.Granularity(granularity)
	rec.Type = models.ModeAbsolute
	rec.Timestamp = time.UnixMilli(ts).UTC()
	return rec, nil
}

// LatestStat returns the newest persisted statistics sample of a stream.
func (s *SQLiteSink) LatestStat(ctx context.Context, key string, granularity models.Granularity) (models.StatRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+statColumns+`
		FROM stat_samples
		WHERE stream_key = ? AND granularity = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, key, string(granularity))

	rec, err := scanStat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StatRecord{}, false, nil
	}
	if err != nil {
		return models.StatRecord{}, false, fmt.Errorf("query latest stat for %s: %w", key, err)
	}
	return rec, true, nil
}

// StatHistory returns a stream's samples since the given time, oldest first.
func (s *SQLiteSink) StatHistory(ctx context.Context, key string, granularity models.Granularity, since time.Time) ([]models.StatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statColumns+`
		FROM stat_samples
		WHERE stream_key = ? AND granularity = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`, key, string(granularity), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stat history for %s: %w", key, err)
	}
	defer rows.Close()

	var out []models.StatRecord
	for rows.Next() {
		rec, err := scanStat(rows)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to scan statistics row")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(time.Hour)
	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			if err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("Final insights flush failed")
			}
			return
		case <-flushTicker.C:
			if err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("Periodic insights flush failed")
			}
		case <-retentionTicker.C:
			s.runRetention(time.Now())
		}
	}
}

// runRetention deletes rows older than the configured retention.
func (s *SQLiteSink) runRetention(now time.Time) int64 {
	tables := []struct {
		name      string
		retention time.Duration
	}{
		{"metric_records", s.config.RetentionMetrics},
		{"stat_samples", s.config.RetentionStats},
	}

	var total int64
	for _, t := range tables {
		if t.retention <= 0 {
			continue
		}
		cutoff := now.Add(-t.retention).UnixMilli()
		res, err := s.db.Exec(`DELETE FROM `+t.name+` WHERE timestamp < ?`, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("table", t.name).Msg("Failed to prune insights data")
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			total += n
		}
	}
	if total > 0 {
		log.Info().Int64("deleted", total).Msg("Insights retention cleanup completed")
	}
	return total
}

// Stats describes the store for the admin API.
type Stats struct {
	DBPath        string `json:"dbPath"`
	DBSize        int64  `json:"dbSize"`
	MetricRecords int64  `json:"metricRecords"`
	StatSamples   int64  `json:"statSamples"`
	Buffered      int    `json:"buffered"`
}

// GetStats returns row counts and buffer occupancy.
func (s *SQLiteSink) GetStats(ctx context.Context) Stats {
	stats := Stats{DBPath: s.config.DBPath}
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metric_records`).Scan(&stats.MetricRecords)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stat_samples`).Scan(&stats.StatSamples)
	if fi, err := os.Stat(s.config.DBPath); err == nil {
		stats.DBSize = fi.Size()
	}
	s.bufferMu.Lock()
	stats.Buffered = len(s.metrics) + len(s.stats)
	s.bufferMu.Unlock()
	return stats
}

// Close flushes and closes the database.
func (s *SQLiteSink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Insights store shutdown timed out")
	}
	return s.db.Close()
}
