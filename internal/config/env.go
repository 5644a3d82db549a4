package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/notifications"
)

// envSetter applies one environment value to the configuration.
type envSetter func(c *Config, value string) error

var envSetters = map[string]envSetter{
	"INSIGHTS_DATA_DIR": func(c *Config, v string) error { c.DataDir = v; return nil },

	"INSIGHTS_WINDOW":        intSetter(func(c *Config) *int { return &c.Stats.Window }),
	"INSIGHTS_ALPHA":         floatSetter(func(c *Config) *float64 { return &c.Stats.Alpha }),
	"INSIGHTS_BETA":          floatSetter(func(c *Config) *float64 { return &c.Stats.Beta }),
	"INSIGHTS_SENSITIVITY":   floatSetter(func(c *Config) *float64 { return &c.Stats.Sensitivity }),
	"INSIGHTS_SNOOZE_LENGTH": intSetter(func(c *Config) *int { return &c.Stats.SnoozeLength }),
	"INSIGHTS_MIN_STDDEV":    floatSetter(func(c *Config) *float64 { return &c.Stats.MinStdDev }),
	"INSIGHTS_GRANULARITIES": listSetter(func(c *Config) *[]string { return &c.Stats.Granularities }),
	"INSIGHTS_PERIOD_MINUTE": durationSetter(func(c *Config) *time.Duration { return &c.Stats.Periods.Minute }),
	"INSIGHTS_PERIOD_HOUR":   durationSetter(func(c *Config) *time.Duration { return &c.Stats.Periods.Hour }),
	"INSIGHTS_PERIOD_DAY":    durationSetter(func(c *Config) *time.Duration { return &c.Stats.Periods.Day }),
	"INSIGHTS_HYDRATE":       boolSetter(func(c *Config) *bool { return &c.Stats.HydrateFromHistory }),

	"INSIGHTS_BUCKET_CAPACITY": intSetter(func(c *Config) *int { return &c.Aggregation.BucketCapacity }),
	"INSIGHTS_BUCKET_MAX_AGE":  durationSetter(func(c *Config) *time.Duration { return &c.Aggregation.BucketMaxAge }),
	"INSIGHTS_MINUTE_WARMUP":   durationSetter(func(c *Config) *time.Duration { return &c.Aggregation.MinuteWarmup }),
	"INSIGHTS_FLUSH_INTERVAL":  durationSetter(func(c *Config) *time.Duration { return &c.Aggregation.FlushInterval }),
	"INSIGHTS_MIN_DIFF":        floatSetter(func(c *Config) *float64 { return &c.Aggregation.MinDiff }),

	"INSIGHTS_STATS_SHARDS":         intSetter(func(c *Config) *int { return &c.Pipeline.StatsShards }),
	"INSIGHTS_QUEUE_SIZE":           intSetter(func(c *Config) *int { return &c.Pipeline.QueueSize }),
	"INSIGHTS_RECENT_NOTIFICATIONS": intSetter(func(c *Config) *int { return &c.Pipeline.RecentNotifications }),

	"INSIGHTS_NOISY_PROVIDERS":   listSetter(func(c *Config) *[]string { return &c.Fanout.NoisyProviders }),
	"INSIGHTS_VOLATILE_PATTERNS": listSetter(func(c *Config) *[]string { return &c.Fanout.VolatilePatterns }),
	"INSIGHTS_TRACK_HASHTAGS":    boolSetter(func(c *Config) *bool { return &c.Fanout.TrackHashtags }),

	"INSIGHTS_NATS_ENABLED": boolSetter(func(c *Config) *bool { return &c.NATS.Enabled }),
	"INSIGHTS_NATS_URL":     stringSetter(func(c *Config) *string { return &c.NATS.URL }),

	"INSIGHTS_STORAGE_BACKEND":     stringSetter(func(c *Config) *string { return &c.Storage.Backend }),
	"INSIGHTS_SQLITE_PATH":         stringSetter(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"INSIGHTS_CLICKHOUSE_ADDR":     stringSetter(func(c *Config) *string { return &c.Storage.ClickHouse.Addr }),
	"INSIGHTS_CLICKHOUSE_DATABASE": stringSetter(func(c *Config) *string { return &c.Storage.ClickHouse.Database }),
	"INSIGHTS_CLICKHOUSE_USERNAME": stringSetter(func(c *Config) *string { return &c.Storage.ClickHouse.Username }),
	"INSIGHTS_CLICKHOUSE_PASSWORD": stringSetter(func(c *Config) *string { return &c.Storage.ClickHouse.Password }),
	"INSIGHTS_RETENTION_METRICS":   durationSetter(func(c *Config) *time.Duration { return &c.Storage.RetentionMetrics }),
	"INSIGHTS_RETENTION_STATS":     durationSetter(func(c *Config) *time.Duration { return &c.Storage.RetentionStats }),

	"INSIGHTS_NOTIFY_LOG":  boolSetter(func(c *Config) *bool { return &c.Notifications.Log }),
	"INSIGHTS_NOTIFY_NATS": boolSetter(func(c *Config) *bool { return &c.Notifications.PublishNATS }),
	"INSIGHTS_WEBHOOK_URLS": func(c *Config, v string) error {
		hooks := make([]notifications.WebhookConfig, 0)
		for i, url := range splitList(v) {
			hooks = append(hooks, notifications.WebhookConfig{Name: fmt.Sprintf("env-%d", i+1), URL: url})
		}
		c.Notifications.Webhooks = hooks
		return nil
	},

	"INSIGHTS_ADMIN_ADDR": func(c *Config, v string) error { c.Admin.Addr = v; return nil },

	"INSIGHTS_LOG_LEVEL":  stringSetter(func(c *Config) *string { return &c.Log.Level }),
	"INSIGHTS_LOG_FORMAT": stringSetter(func(c *Config) *string { return &c.Log.Format }),
	"INSIGHTS_LOG_FILE":   func(c *Config, v string) error { c.Log.File = v; return nil },
}

// secretEnv keeps values out of the override log.
var secretEnv = map[string]bool{"INSIGHTS_CLICKHOUSE_PASSWORD": true}

// applyEnvOverrides applies every INSIGHTS_* variable that getenv reports
// as set and non-empty, recording the names in EnvOverrides.
func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	if c.EnvOverrides == nil {
		c.EnvOverrides = make(map[string]bool)
	}
	for name, set := range envSetters {
		raw := strings.TrimSpace(getenv(name))
		if raw == "" {
			continue
		}
		if err := set(c, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		c.EnvOverrides[name] = true

		event := log.Info().Str("var", name)
		if !secretEnv[name] {
			event = event.Str("value", raw)
		}
		event.Msg("Configuration overridden by environment")
	}
	return nil
}

// ParseDuration accepts Go duration strings ("90s", "5m") and bare
// integers, which are read as milliseconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringSetter(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func listSetter(field func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = splitList(v)
		return nil
	}
}

func intSetter(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		*field(c) = f
		return nil
	}
}

func boolSetter(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*field(c) = b
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
