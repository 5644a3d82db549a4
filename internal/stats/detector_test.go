package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-insights/internal/models"
)

type fakeHistory struct {
	stats map[string]models.StatRecord
	err   error
	calls int
}

func (f *fakeHistory) LatestStat(_ context.Context, key string, _ models.Granularity) (models.StatRecord, bool, error) {
	f.calls++
	if f.err != nil {
		return models.StatRecord{}, false, f.err
	}
	s, ok := f.stats[key]
	return s, ok, nil
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func activityRecord(account string, v float64) models.MetricRecord {
	return models.NewMetricRecord(account, models.ConnectionActivityCount, models.ModeAbsolute,
		models.NewCriteria(models.ConnectionID, "K"), t0, v)
}

func TestDetectorFlagsSpikeAfterStableHistory(t *testing.T) {
	clock := &stepClock{now: t0}
	d := NewDetector(DefaultConfig(models.GranularityMinute), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		v := 9.9
		if i%2 == 1 {
			v = 10.1
		}
		clock.now = t0.Add(time.Duration(i) * time.Second)
		stat, _ := d.Process(ctx, activityRecord("A1", v))
		assert.False(t, stat.Anomaly)
	}

	clock.now = t0.Add(61 * time.Second)
	stat, ok := d.Process(ctx, activityRecord("A1", 1000))
	require.True(t, ok)
	assert.True(t, stat.Anomaly)
	assert.Equal(t, "A1", stat.Account)
	assert.Equal(t, models.GranularityMinute, stat.Granularity)
	assert.Equal(t, 1000.0, stat.Value)
	assert.InDelta(t, 43.0, stat.Mean, 0.5)
	assert.Greater(t, stat.StdDev, 100.0)
	assert.Equal(t, 1000.0, stat.Max)
	assert.Equal(t, 9.9, stat.Min)
	assert.Equal(t, models.ModeAbsolute, stat.Type)
}

func TestDetectorSeparatesAccounts(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityNone))
	ctx := context.Background()

	d.Process(ctx, activityRecord("A1", 1))
	d.Process(ctx, activityRecord("A2", 5))
	d.Process(ctx, activityRecord(models.GlobalAccount, 3))

	assert.Equal(t, 3, d.Store().Len())
	st, ok := d.Store().Get(activityRecord("A2", 0).Key())
	require.True(t, ok)
	assert.Equal(t, 5.0, st.Y)
}

func TestDetectorDropsNonWhitelisted(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityNone))
	rec := models.NewMetricRecord("A1", models.InventoryItemCount, models.ModeDelta,
		models.NewCriteria(models.ObjectID, "obj-1"), t0, 1)

	_, ok := d.Process(context.Background(), rec)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Store().Len())

	rec = models.NewMetricRecord("A1", "NOT_A_METRIC", models.ModeDelta, models.Criteria{}, t0, 1)
	_, ok = d.Process(context.Background(), rec)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Store().Len())
}

func TestDetectorHydratesFromHistory(t *testing.T) {
	rec := activityRecord("A1", 10)
	history := &fakeHistory{stats: map[string]models.StatRecord{
		rec.Key(): {Value: 12, Mean: 10, StdDev: 2, Min: 4, Max: 20, Timestamp: t0.Add(-time.Hour)},
	}}
	cfg := DefaultConfig(models.GranularityHour)
	cfg.HydrateFromHistory = true
	now := t0
	d := NewDetector(cfg, WithHistory(history), WithClock(func() time.Time { return now }))

	_, ok := d.Process(context.Background(), rec)
	assert.False(t, ok, "a hydrated stream restarts its hourly slot")
	assert.Equal(t, 1, history.calls)

	st, _ := d.Store().Get(rec.Key())
	assert.Equal(t, cfg.Window+1, st.N)
	assert.Equal(t, 10.0, st.Y)
	assert.Equal(t, t0, st.LastEmitted)

	now = t0.Add(time.Hour)
	stat, ok := d.Process(context.Background(), activityRecord("A1", 11))
	require.True(t, ok)
	assert.Equal(t, 1, history.calls, "history is only consulted for unseen streams")
	assert.Equal(t, 1.0, stat.Diff)
	assert.Equal(t, 4.0, stat.Min)
	assert.Equal(t, 20.0, stat.Max)
}

func TestDetectorHydrationIgnoresProducerClock(t *testing.T) {
	rec := activityRecord("A1", 10)
	for _, skew := range []time.Duration{-72 * time.Hour, 72 * time.Hour} {
		history := &fakeHistory{stats: map[string]models.StatRecord{
			rec.Key(): {Value: 10, Mean: 10, StdDev: 1, Min: 9, Max: 11, Timestamp: t0.Add(skew)},
		}}
		cfg := DefaultConfig(models.GranularityMinute)
		cfg.HydrateFromHistory = true
		now := t0
		d := NewDetector(cfg, WithHistory(history), WithClock(func() time.Time { return now }))

		_, ok := d.Process(context.Background(), rec)
		assert.False(t, ok, "skew %s: emitted before a full period", skew)

		now = t0.Add(time.Minute)
		_, ok = d.Process(context.Background(), rec)
		assert.True(t, ok, "skew %s: not emitted after a full period", skew)
	}
}

func TestDetectorHydrationFailureStartsCold(t *testing.T) {
	cfg := DefaultConfig(models.GranularityMinute)
	cfg.HydrateFromHistory = true
	d := NewDetector(cfg, WithHistory(&fakeHistory{err: errors.New("db down")}))

	_, ok := d.Process(context.Background(), activityRecord("A1", 4))
	assert.True(t, ok)
	st, _ := d.Store().Get(activityRecord("A1", 0).Key())
	assert.Equal(t, 1, st.N)
	assert.Equal(t, 4.0, st.Avg)
}

func TestDetectorHydrationDisabled(t *testing.T) {
	history := &fakeHistory{}
	d := NewDetector(DefaultConfig(models.GranularityMinute), WithHistory(history))
	d.Process(context.Background(), activityRecord("A1", 4))
	assert.Equal(t, 0, history.calls)
}

func TestDetectorApplyClear(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityNone))
	ctx := context.Background()
	d.Process(ctx, activityRecord("A1", 1))
	d.Process(ctx, activityRecord("A2", 1))

	n, err := d.Apply(Control{Op: OpClear, Account: "A1", Name: models.ConnectionActivityCount,
		Criteria: models.NewCriteria(models.ConnectionID, "K")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, d.Store().Len())

	n, err = d.Apply(Control{Op: OpClear, Key: "A9|NOPE|"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = d.Apply(Control{Op: OpClearAll})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, d.Store().Len())
}

func TestDetectorApplySet(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityMinute))
	key := activityRecord("A1", 0).Key()

	n, err := d.Apply(Control{Op: OpSet, Key: key, Mean: 50, StdDev: 2, Min: 40, Max: 60, Count: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, ok := d.Store().Get(key)
	require.True(t, ok)
	assert.Equal(t, 50.0, st.Avg)
	assert.Equal(t, 100, st.N)
	assert.InDelta(t, 2.0, st.StdDev(DefaultWindow), 1e-9)

	stat, ok := d.Process(context.Background(), activityRecord("A1", 500))
	require.True(t, ok)
	assert.True(t, stat.Anomaly, "overwritten statistics make the next outlier detectable")
}

func TestDetectorApplyHonorsGranularity(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityDay))
	d.Process(context.Background(), activityRecord("A1", 1))

	n, err := d.Apply(Control{Op: OpClearAll, Granularity: models.GranularityMinute})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, d.Store().Len())
}

func TestDetectorApplyRejectsIncompleteControl(t *testing.T) {
	d := NewDetector(DefaultConfig(models.GranularityMinute))

	_, err := d.Apply(Control{Op: OpClear})
	assert.Error(t, err)
	_, err = d.Apply(Control{Op: "explode"})
	assert.Error(t, err)
	_, err = d.Apply(Control{Op: OpSet, Key: "k", Count: -1})
	assert.Error(t, err)
}

func TestMemoryStoreKeys(t *testing.T) {
	s := NewMemoryStore()
	s.Put("a", StreamState{N: 1})
	s.Put("b", StreamState{N: 2})
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 1, s.Clear())
	assert.Equal(t, 0, s.Len())
}
