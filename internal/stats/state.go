package stats

import (
	"math"
	"time"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

// StreamState is the running estimator of one metric stream.
type StreamState struct {
	Y           float64   // last absolute value
	TS          time.Time // timestamp of the last sample
	LastEmitted time.Time // wall-clock time of the last scheduled emission
	Avg         float64   // decaying mean
	S           float64   // decaying variance accumulator
	N           int       // samples seen
	Min         float64
	Max         float64
	Snooze      int // samples left during which anomalies are suppressed
}

// StdDev derives the standard deviation from the accumulator.
func (s StreamState) StdDev(window int) float64 {
	c := min(window, s.N)
	if c < 1 {
		return 0
	}
	return math.Sqrt(math.Abs(s.S / float64(c)))
}

// Sample is the part of a metric record the estimator looks at.
type Sample struct {
	Name      string
	Criteria  models.Criteria
	Mode      models.Mode
	Value     float64
	Timestamp time.Time
}

// Decision is the outcome of feeding one sample.
type Decision struct {
	Emit    bool
	Anomaly bool
	Y       float64
	Diff    float64
	Mean    float64
	StdDev  float64
}

// Update feeds one sample into prev and returns the advanced state and what
// to emit. now is the wall-clock time used for the emission throttle.
func Update(cfg Config, prev StreamState, s Sample, now time.Time) (StreamState, Decision) {
	y := s.Value
	if s.Mode == models.ModeDelta {
		y = prev.Y + s.Value
	}
	diff := y - prev.Y

	c := float64(min(cfg.Window, prev.N+1))
	avg := cfg.Alpha*prev.Avg + (cfg.Beta*y-cfg.Alpha*prev.Avg)/c
	acc := cfg.Alpha*prev.S + cfg.Beta*(y-prev.Avg)*(y-avg)
	stddev := math.Sqrt(math.Abs(acc / c))

	anomaly := prev.N > cfg.Window &&
		cfg.Period > 0 &&
		whitelist.AllowedStrict(s.Name, s.Criteria) &&
		prev.Snooze == 0 &&
		stddev > cfg.MinStdDev &&
		math.Abs(cfg.Sensitivity*stddev) < math.Abs(y-avg)

	next := prev
	next.Avg = avg
	next.S = acc
	switch {
	case anomaly:
		next.Snooze = cfg.SnoozeLength
	case next.Snooze > 0:
		next.Snooze--
	}
	next.N = prev.N + 1
	next.Y = y
	next.TS = s.Timestamp
	if prev.N == 0 {
		next.Min, next.Max = y, y
	} else {
		next.Min = math.Min(prev.Min, y)
		next.Max = math.Max(prev.Max, y)
	}

	d := Decision{
		Anomaly: anomaly,
		Emit:    anomaly && cfg.ReportAnomalies,
		Y:       y,
		Diff:    diff,
		Mean:    avg,
		StdDev:  stddev,
	}
	if anomaly {
		return next, d
	}

	// A stream's first hourly slot only starts the clock, so a cold stream
	// emits its first hourly record one period after its first sample.
	if cfg.Granularity == models.GranularityHour && prev.LastEmitted.IsZero() {
		next.LastEmitted = now
		return next, d
	}
	if now.Sub(prev.LastEmitted) >= cfg.Period {
		d.Emit = true
		next.LastEmitted = now
	}
	return next, d
}
