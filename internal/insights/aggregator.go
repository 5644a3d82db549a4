// Package insights turns statistics samples into insight notifications:
// anomalies immediately, everything else batched per correlated object.
package insights

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/metrics"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

const (
	DefaultBucketCapacity = 40
	DefaultBucketMaxAge   = 5 * time.Minute
	DefaultMinuteWarmup   = 15 * time.Minute
	DefaultMinDiff        = 0.001
)

// Config tunes bucketing.
type Config struct {
	BucketCapacity int
	BucketMaxAge   time.Duration
	// MinuteWarmup is how long after first seeing an account its minute
	// samples are still accepted.
	MinuteWarmup time.Duration
	MinDiff      float64
}

// DefaultConfig returns the default bucketing parameters.
func DefaultConfig() Config {
	return Config{
		BucketCapacity: DefaultBucketCapacity,
		BucketMaxAge:   DefaultBucketMaxAge,
		MinuteWarmup:   DefaultMinuteWarmup,
		MinDiff:        DefaultMinDiff,
	}
}

// Validate rejects unusable bucketing parameters.
func (c Config) Validate() error {
	if c.BucketCapacity < 1 {
		return fmt.Errorf("bucket capacity must be at least 1, got %d", c.BucketCapacity)
	}
	if c.BucketMaxAge <= 0 {
		return fmt.Errorf("bucket max age must be positive, got %s", c.BucketMaxAge)
	}
	if c.MinuteWarmup < 0 {
		return fmt.Errorf("minute warm-up must not be negative, got %s", c.MinuteWarmup)
	}
	if c.MinDiff < 0 {
		return fmt.Errorf("minimum diff must not be negative, got %g", c.MinDiff)
	}
	return nil
}

// Aggregator is the insight stage. It is not safe for concurrent use; the
// pipeline drives it from one goroutine.
type Aggregator struct {
	cfg       Config
	buckets   map[string]*Bucket
	firstSeen map[string]time.Time
	now       func() time.Time
	newID     func() string

	uncorrelated uint64
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDs overrides notification id generation.
func WithIDs(newID func() string) Option {
	return func(a *Aggregator) { a.newID = newID }
}

// New creates an aggregator; cfg must already be validated.
func New(cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:       cfg,
		buckets:   make(map[string]*Bucket),
		firstSeen: make(map[string]time.Time),
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add consumes one statistics sample and returns the notifications that are
// due: the sample's own anomaly, if any, followed by every bucket that became
// ready.
func (a *Aggregator) Add(rec models.StatRecord) []models.Notification {
	now := a.now()
	if _, ok := a.firstSeen[rec.Account]; !ok {
		a.firstSeen[rec.Account] = now
	}

	var out []models.Notification
	if rec.Anomaly {
		out = append(out, a.single(rec))
	} else if a.accept(rec, now) {
		a.bucketize(rec, now)
	}
	return append(out, a.flush(now)...)
}

// Tick flushes ready buckets without a new sample.
func (a *Aggregator) Tick() []models.Notification {
	return a.flush(a.now())
}

// Pending returns the number of open buckets.
func (a *Aggregator) Pending() int {
	return len(a.buckets)
}

// Uncorrelated returns how many samples were dropped for lacking an object.
func (a *Aggregator) Uncorrelated() uint64 {
	return a.uncorrelated
}

func (a *Aggregator) accept(rec models.StatRecord, now time.Time) bool {
	if math.Abs(rec.Diff) <= a.cfg.MinDiff {
		return false
	}
	if !whitelist.AllowedStrict(rec.Name, rec.Criteria) {
		return false
	}
	switch rec.Granularity {
	case models.GranularityHour, models.GranularityDay:
		return true
	case models.GranularityMinute:
		return now.Sub(a.firstSeen[rec.Account]) < a.cfg.MinuteWarmup
	default:
		return false
	}
}

func (a *Aggregator) bucketize(rec models.StatRecord, now time.Time) {
	object := correlatedObject(rec)
	if object == "" {
		a.uncorrelated++
		metrics.RecordUncorrelated()
		log.Debug().
			Str("stage", "insights").
			Str("account", rec.Account).
			Str("metric", rec.Name).
			Str("key", rec.Key()).
			Msg("Dropping sample without correlated object")
		return
	}

	key := rec.Account + "|" + rec.Name + "|" + object
	b, ok := a.buckets[key]
	if !ok {
		b = newBucket(key, now)
		a.buckets[key] = b
	}
	b.Add(rec)
}

// correlatedObject prefers the connection over the target.
func correlatedObject(rec models.StatRecord) string {
	if id := rec.MetaString(models.MetaConnectionID); id != "" {
		return id
	}
	return rec.MetaString(models.MetaTargetID)
}

func (a *Aggregator) flush(now time.Time) []models.Notification {
	var ready []*Bucket
	for _, b := range a.buckets {
		if b.Ready(now, a.cfg.BucketCapacity, a.cfg.BucketMaxAge) {
			ready = append(ready, b)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	slices.SortFunc(ready, func(x, y *Bucket) int {
		if c := x.Created.Compare(y.Created); c != 0 {
			return c
		}
		return cmp.Compare(x.Key, y.Key)
	})

	out := make([]models.Notification, 0, len(ready))
	for _, b := range ready {
		delete(a.buckets, b.Key)
		metrics.RecordBucketFlushed(b.flushReason(a.cfg.BucketCapacity))
		out = append(out, a.aggregate(b))
	}
	return out
}

// aggregate folds a bucket under the first sample's identity.
func (a *Aggregator) aggregate(b *Bucket) models.Notification {
	first := b.Samples[0]
	n := a.single(first)

	sorted := slices.Clone(b.Samples)
	slices.SortStableFunc(sorted, func(x, y models.StatRecord) int { return cmp.Compare(x.StdDev, y.StdDev) })

	var total, diff float64
	n.Items = make([]models.InsightItem, 0, len(sorted))
	for _, s := range sorted {
		total += s.Value
		diff += s.Diff
		n.Items = append(n.Items, models.InsightItem{
			Criteria: s.Criteria,
			Name:     s.Name,
			Value:    s.Value,
			Mean:     s.Mean,
			StdDev:   s.StdDev,
			Diff:     s.Diff,
			Min:      s.Min,
			Max:      s.Max,
		})
	}
	created := b.Created
	n.Total = &total
	n.Diff = diff
	n.Created = &created
	return n
}

// single builds the notification of one sample and routes it to its kind.
func (a *Aggregator) single(rec models.StatRecord) models.Notification {
	n := models.Notification{
		ID:          a.newID(),
		Granularity: rec.Granularity,
		Account:     rec.Account,
		Name:        rec.Name,
		Timestamp:   rec.Timestamp,
		Criteria:    rec.Criteria,
		Value:       rec.Value,
		Mean:        rec.Mean,
		StdDev:      rec.StdDev,
		Diff:        rec.Diff,
		Min:         rec.Min,
		Max:         rec.Max,
	}
	switch {
	case rec.Anomaly:
		n.Type = models.NotificationAnomaly
	case rec.Granularity == models.GranularityDay:
		n.Type = models.NotificationSummary
	default:
		n.Type = models.NotificationStatus
		if n.Granularity == models.GranularityMinute {
			n.Granularity = models.GranularityHour
		}
	}
	return n
}
