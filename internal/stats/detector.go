// Package stats maintains a decaying mean/stddev estimator per metric stream,
// flags anomalous samples and throttles emission to a time granularity.
package stats

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

// HistoryLoader returns the last persisted statistics of a stream, used to
// seed a stream the detector has never seen.
type HistoryLoader interface {
	LatestStat(ctx context.Context, key string, granularity models.Granularity) (models.StatRecord, bool, error)
}

// Detector is one statistics stage instance for one granularity. Process and
// Apply must be called from a single goroutine.
type Detector struct {
	cfg     Config
	store   StateStore
	history HistoryLoader
	now     func() time.Time
}

// Option customizes a Detector.
type Option func(*Detector)

// WithStore replaces the in-memory state store.
func WithStore(store StateStore) Option {
	return func(d *Detector) { d.store = store }
}

// WithHistory sets the loader used when HydrateFromHistory is enabled.
func WithHistory(h HistoryLoader) Option {
	return func(d *Detector) { d.history = h }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector; cfg must already be validated.
func NewDetector(cfg Config, opts ...Option) *Detector {
	d := &Detector{
		cfg:   cfg,
		store: NewMemoryStore(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Granularity returns the detector's emission granularity.
func (d *Detector) Granularity() models.Granularity {
	return d.cfg.Granularity
}

// Store exposes the state store for inspection.
func (d *Detector) Store() StateStore {
	return d.store
}

// Process feeds one metric record. It returns the statistics record and true
// when the sample is due for emission.
func (d *Detector) Process(ctx context.Context, rec models.MetricRecord) (models.StatRecord, bool) {
	if !whitelist.Allowed(rec.Name, rec.Criteria) {
		return models.StatRecord{}, false
	}

	key := rec.Key()
	prev, ok := d.store.Get(key)
	if !ok {
		prev = d.hydrate(ctx, key)
	}

	next, decision := Update(d.cfg, prev, Sample{
		Name:      rec.Name,
		Criteria:  rec.Criteria,
		Mode:      rec.Mode,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}, d.now())
	d.store.Put(key, next)

	if decision.Anomaly {
		evt := log.Debug()
		msg := "Anomaly withheld from schedule"
		if decision.Emit {
			evt = log.Info()
			msg = "Anomaly detected"
		}
		evt.
			Str("stage", "stats").
			Str("granularity", string(d.cfg.Granularity)).
			Str("key", key).
			Float64("value", decision.Y).
			Float64("mean", decision.Mean).
			Float64("stddev", decision.StdDev).
			Msg(msg)
	}
	if !decision.Emit {
		return models.StatRecord{}, false
	}

	return models.StatRecord{
		Account:     rec.Account,
		Name:        rec.Name,
		Type:        models.ModeAbsolute,
		Timestamp:   rec.Timestamp,
		Value:       decision.Y,
		Criteria:    rec.Criteria,
		Metadata:    rec.Metadata,
		Granularity: d.cfg.Granularity,
		Mean:        decision.Mean,
		StdDev:      decision.StdDev,
		Diff:        decision.Diff,
		Min:         next.Min,
		Max:         next.Max,
		Anomaly:     decision.Anomaly,
	}, true
}

// hydrate seeds a fresh state from history when enabled. Any failure starts
// the stream cold.
func (d *Detector) hydrate(ctx context.Context, key string) StreamState {
	if !d.cfg.HydrateFromHistory || d.history == nil {
		return StreamState{}
	}
	last, ok, err := d.history.LatestStat(ctx, key, d.cfg.Granularity)
	if err != nil {
		log.Warn().Err(err).Str("stage", "stats").Str("key", key).Msg("Failed to load stream history, starting fresh")
		return StreamState{}
	}
	if !ok {
		return StreamState{}
	}
	// The throttle runs on this process's clock, not the producer's, so a
	// hydrated stream waits one period before its next scheduled emission.
	n := d.cfg.Window
	return StreamState{
		Y:           last.Value,
		TS:          last.Timestamp,
		LastEmitted: d.now(),
		Avg:         last.Mean,
		S:           last.StdDev * last.StdDev * float64(n),
		N:           n,
		Min:         last.Min,
		Max:         last.Max,
	}
}

// Apply executes a maintenance command. It reports how many streams were
// affected.
func (d *Detector) Apply(ctl Control) (int, error) {
	if err := ctl.Validate(); err != nil {
		return 0, err
	}
	if !ctl.Applies(d.cfg.Granularity) {
		return 0, nil
	}

	switch ctl.Op {
	case OpClearAll:
		n := d.store.Clear()
		d.controlLog(ctl).Int("streams", n).Msg("Cleared all stream state")
		return n, nil
	case OpClear:
		key := ctl.StreamKey()
		if !d.store.Delete(key) {
			return 0, nil
		}
		d.controlLog(ctl).Str("key", key).Msg("Cleared stream state")
		return 1, nil
	case OpSet:
		key := ctl.StreamKey()
		state, _ := d.store.Get(key)
		state.Avg = ctl.Mean
		state.Min = ctl.Min
		state.Max = ctl.Max
		state.N = ctl.Count
		state.S = ctl.StdDev * ctl.StdDev * float64(min(d.cfg.Window, max(ctl.Count, 1)))
		state.Snooze = 0
		d.store.Put(key, state)
		d.controlLog(ctl).Str("key", key).Float64("mean", ctl.Mean).Float64("stddev", ctl.StdDev).Int("count", ctl.Count).Msg("Overwrote stream statistics")
		return 1, nil
	}
	return 0, nil
}

func (d *Detector) controlLog(ctl Control) *zerolog.Event {
	return log.Info().
		Str("stage", "stats").
		Str("granularity", string(d.cfg.Granularity)).
		Str("op", string(ctl.Op))
}
