package stats

import (
	"fmt"
	"time"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// Default tunables of the decaying estimator.
const (
	DefaultWindow       = 30
	DefaultAlpha        = 1.0
	DefaultBeta         = 1.0
	DefaultSensitivity  = 3.0
	DefaultSnoozeLength = 3
	DefaultMinStdDev    = 0.01
)

// DefaultPeriods are the emission periods per granularity.
var DefaultPeriods = map[models.Granularity]time.Duration{
	models.GranularityNone:   0,
	models.GranularityMinute: time.Minute,
	models.GranularityHour:   time.Hour,
	models.GranularityDay:    24 * time.Hour,
}

// Config tunes one detector instance.
type Config struct {
	Window       int     // W: samples before the divisor stops ramping
	Alpha        float64 // weight of history
	Beta         float64 // weight of the new sample
	Sensitivity  float64 // A: deviation multiplier
	SnoozeLength int     // samples suppressed after an anomaly
	MinStdDev    float64 // stddev floor below which nothing is anomalous

	Granularity models.Granularity
	Period      time.Duration

	// ReportAnomalies emits detected anomalies. Detectors that do not report
	// still run the test and drop anomalous samples from their schedule, so a
	// spike is only ever seen as an anomaly.
	ReportAnomalies bool

	// HydrateFromHistory seeds unseen streams from the persistence sink.
	HydrateFromHistory bool
}

// DefaultConfig returns the defaults for granularity g.
func DefaultConfig(g models.Granularity) Config {
	return Config{
		Window:          DefaultWindow,
		Alpha:           DefaultAlpha,
		Beta:            DefaultBeta,
		Sensitivity:     DefaultSensitivity,
		SnoozeLength:    DefaultSnoozeLength,
		MinStdDev:       DefaultMinStdDev,
		Granularity:     g,
		Period:          DefaultPeriods[g],
		ReportAnomalies: true,
	}
}

// Validate rejects tunables the estimator cannot work with.
func (c Config) Validate() error {
	if c.Window < 1 {
		return fmt.Errorf("window must be at least 1, got %d", c.Window)
	}
	if c.Alpha <= 0 || c.Beta <= 0 {
		return fmt.Errorf("alpha and beta must be positive, got %g/%g", c.Alpha, c.Beta)
	}
	if c.Sensitivity <= 0 {
		return fmt.Errorf("sensitivity must be positive, got %g", c.Sensitivity)
	}
	if c.SnoozeLength < 0 {
		return fmt.Errorf("snooze length must not be negative, got %d", c.SnoozeLength)
	}
	if c.MinStdDev < 0 {
		return fmt.Errorf("stddev floor must not be negative, got %g", c.MinStdDev)
	}
	if c.Period < 0 {
		return fmt.Errorf("period must not be negative, got %s", c.Period)
	}
	if _, err := models.ParseGranularity(string(c.Granularity)); err != nil {
		return err
	}
	return nil
}
