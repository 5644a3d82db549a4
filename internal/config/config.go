// Package config loads insightd settings from defaults, an optional YAML
// file, .env files and INSIGHTS_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/pulse-insights/internal/bus"
	internalerrors "github.com/rcourtman/pulse-insights/internal/errors"
	"github.com/rcourtman/pulse-insights/internal/fanout"
	"github.com/rcourtman/pulse-insights/internal/insights"
	"github.com/rcourtman/pulse-insights/internal/logging"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/notifications"
	"github.com/rcourtman/pulse-insights/internal/stats"
	"github.com/rcourtman/pulse-insights/internal/storage"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

const (
	defaultDataDir    = "/var/lib/insights"
	defaultConfigFile = "insights.yaml"
)

// Config is the complete process configuration.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	Stats         StatsConfig         `yaml:"stats"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Fanout        FanoutConfig        `yaml:"fanout"`
	NATS          NATSConfig          `yaml:"nats"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Admin         AdminConfig         `yaml:"admin"`
	Log           LogConfig           `yaml:"log"`

	// ConfigFile is the YAML file that was loaded, if any.
	ConfigFile string `yaml:"-"`
	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool `yaml:"-"`
}

type StatsConfig struct {
	Window             int           `yaml:"window"`
	Alpha              float64       `yaml:"alpha"`
	Beta               float64       `yaml:"beta"`
	Sensitivity        float64       `yaml:"sensitivity"`
	SnoozeLength       int           `yaml:"snooze_length"`
	MinStdDev          float64       `yaml:"min_stddev"`
	Granularities      []string      `yaml:"granularities"`
	Periods            PeriodsConfig `yaml:"periods"`
	HydrateFromHistory bool          `yaml:"hydrate_from_history"`
}

type PeriodsConfig struct {
	Minute time.Duration `yaml:"minute"`
	Hour   time.Duration `yaml:"hour"`
	Day    time.Duration `yaml:"day"`
}

type AggregationConfig struct {
	BucketCapacity int           `yaml:"bucket_capacity"`
	BucketMaxAge   time.Duration `yaml:"bucket_max_age"`
	MinuteWarmup   time.Duration `yaml:"minute_warmup"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MinDiff        float64       `yaml:"min_diff"`
}

type PipelineConfig struct {
	StatsShards         int `yaml:"stats_shards"`
	QueueSize           int `yaml:"queue_size"`
	RecentNotifications int `yaml:"recent_notifications"`
}

type FanoutConfig struct {
	NoisyProviders   []string `yaml:"noisy_providers"`
	VolatilePatterns []string `yaml:"volatile_patterns"`
	// TrackHashtags remembers each target's last tag set in process, for
	// producers that do not send previousHashtags.
	TrackHashtags bool `yaml:"track_hashtags"`
}

type NATSConfig struct {
	Enabled              bool   `yaml:"enabled"`
	URL                  string `yaml:"url"`
	EventsSubject        string `yaml:"events_subject"`
	ControlSubject       string `yaml:"control_subject"`
	NotificationsSubject string `yaml:"notifications_subject"`
}

type StorageConfig struct {
	Backend          string           `yaml:"backend"`
	SQLitePath       string           `yaml:"sqlite_path"`
	WriteBufferSize  int              `yaml:"write_buffer_size"`
	FlushInterval    time.Duration    `yaml:"flush_interval"`
	RetentionMetrics time.Duration    `yaml:"retention_metrics"`
	RetentionStats   time.Duration    `yaml:"retention_stats"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type NotificationsConfig struct {
	Log         bool                          `yaml:"log"`
	PublishNATS bool                          `yaml:"publish_nats"`
	Webhooks    []notifications.WebhookConfig `yaml:"webhooks"`
}

type AdminConfig struct {
	// Addr is the admin and /metrics listen address; empty disables it.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	sqlite := storage.DefaultSQLiteConfig(filepath.Join(dataDir, "insights.db"))
	ch := storage.DefaultClickHouseConfig()
	busCfg := bus.DefaultConfig()
	return &Config{
		DataDir: dataDir,
		Stats: StatsConfig{
			Window:        stats.DefaultWindow,
			Alpha:         stats.DefaultAlpha,
			Beta:          stats.DefaultBeta,
			Sensitivity:   stats.DefaultSensitivity,
			SnoozeLength:  stats.DefaultSnoozeLength,
			MinStdDev:     stats.DefaultMinStdDev,
			Granularities: []string{string(models.GranularityMinute), string(models.GranularityHour), string(models.GranularityDay)},
			Periods: PeriodsConfig{
				Minute: stats.DefaultPeriods[models.GranularityMinute],
				Hour:   stats.DefaultPeriods[models.GranularityHour],
				Day:    stats.DefaultPeriods[models.GranularityDay],
			},
		},
		Aggregation: AggregationConfig{
			BucketCapacity: insights.DefaultBucketCapacity,
			BucketMaxAge:   insights.DefaultBucketMaxAge,
			MinuteWarmup:   insights.DefaultMinuteWarmup,
			FlushInterval:  10 * time.Second,
			MinDiff:        insights.DefaultMinDiff,
		},
		Pipeline: PipelineConfig{
			StatsShards:         4,
			QueueSize:           4096,
			RecentNotifications: 200,
		},
		Fanout: FanoutConfig{
			NoisyProviders:   slices.Clone(fanout.DefaultNoisyProviders),
			VolatilePatterns: slices.Clone(whitelist.DefaultVolatilePatterns),
		},
		NATS: NATSConfig{
			Enabled:              true,
			URL:                  busCfg.URL,
			EventsSubject:        busCfg.EventsSubject,
			ControlSubject:       busCfg.ControlSubject,
			NotificationsSubject: busCfg.NotificationsSubject,
		},
		Storage: StorageConfig{
			Backend:          storage.BackendSQLite,
			SQLitePath:       sqlite.DBPath,
			WriteBufferSize:  sqlite.WriteBufferSize,
			FlushInterval:    sqlite.FlushInterval,
			RetentionMetrics: sqlite.RetentionMetrics,
			RetentionStats:   sqlite.RetentionStats,
			ClickHouse: ClickHouseConfig{
				Addr:     ch.Addr,
				Database: ch.Database,
				Username: ch.Username,
			},
		},
		Notifications: NotificationsConfig{
			Log:         true,
			PublishNATS: true,
		},
		Admin: AdminConfig{Addr: ":9464"},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		EnvOverrides: make(map[string]bool),
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// insights.yaml in the data directory is used if present.
func Load(path string) (*Config, error) {
	dataDir := defaultDataDir
	if dir := os.Getenv("INSIGHTS_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// .env values never replace variables already set in the environment.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default(dataDir)

	if path == "" {
		candidate := filepath.Join(dataDir, defaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, internalerrors.Config("load_file", err)
		}
	}

	if err := cfg.applyEnvOverrides(os.Getenv); err != nil {
		return nil, internalerrors.Config("env_overrides", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, internalerrors.Config("validate", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.ConfigFile = path
	log.Info().Str("file", path).Msg("Loaded configuration file")
	return nil
}

// Validate checks every section and reports the first problem.
func (c *Config) Validate() error {
	grans, err := c.granularities()
	if err != nil {
		return err
	}
	if len(grans) == 0 {
		return fmt.Errorf("at least one granularity must be enabled")
	}
	for _, sc := range c.StatsConfigs() {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("stats (%s): %w", sc.Granularity, err)
		}
	}
	if err := c.AggregatorConfig().Validate(); err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}
	if c.Aggregation.FlushInterval <= 0 {
		return fmt.Errorf("aggregation: flush interval must be positive, got %s", c.Aggregation.FlushInterval)
	}
	if c.Pipeline.StatsShards < 1 {
		return fmt.Errorf("pipeline: stats shards must be at least 1, got %d", c.Pipeline.StatsShards)
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline: queue size must be at least 1, got %d", c.Pipeline.QueueSize)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case storage.BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage: sqlite path is required")
		}
	case storage.BackendClickHouse:
		if c.Storage.ClickHouse.Addr == "" {
			return fmt.Errorf("storage: clickhouse addr is required")
		}
	case storage.BackendNone:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if c.Stats.HydrateFromHistory && !strings.EqualFold(c.Storage.Backend, storage.BackendSQLite) {
		return fmt.Errorf("stats: hydrate_from_history requires the sqlite backend")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats: url is required when enabled")
	}
	for _, h := range c.Notifications.Webhooks {
		if err := notifications.ValidateWebhookURL(h.URL); err != nil {
			return fmt.Errorf("notifications: webhook %q: %w", h.Name, err)
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// granularities parses the enabled granularities, finest first.
func (c *Config) granularities() ([]models.Granularity, error) {
	order := map[models.Granularity]int{
		models.GranularityNone:   0,
		models.GranularityMinute: 1,
		models.GranularityHour:   2,
		models.GranularityDay:    3,
	}
	var out []models.Granularity
	for _, raw := range c.Stats.Granularities {
		g, err := models.ParseGranularity(raw)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b models.Granularity) int { return order[a] - order[b] })
	return out, nil
}

func (c *Config) period(g models.Granularity) time.Duration {
	switch g {
	case models.GranularityMinute:
		return c.Stats.Periods.Minute
	case models.GranularityHour:
		return c.Stats.Periods.Hour
	case models.GranularityDay:
		return c.Stats.Periods.Day
	}
	return 0
}

// StatsConfigs returns one detector configuration per enabled granularity.
// Every throttled detector tests for anomalies; only the finest one reports
// them.
func (c *Config) StatsConfigs() []stats.Config {
	grans, err := c.granularities()
	if err != nil {
		return nil
	}
	reporting := false
	out := make([]stats.Config, 0, len(grans))
	for _, g := range grans {
		sc := stats.Config{
			Window:             c.Stats.Window,
			Alpha:              c.Stats.Alpha,
			Beta:               c.Stats.Beta,
			Sensitivity:        c.Stats.Sensitivity,
			SnoozeLength:       c.Stats.SnoozeLength,
			MinStdDev:          c.Stats.MinStdDev,
			Granularity:        g,
			Period:             c.period(g),
			HydrateFromHistory: c.Stats.HydrateFromHistory,
		}
		if !reporting && sc.Period > 0 {
			sc.ReportAnomalies = true
			reporting = true
		}
		out = append(out, sc)
	}
	return out
}

// AggregatorConfig returns the insight stage settings.
func (c *Config) AggregatorConfig() insights.Config {
	return insights.Config{
		BucketCapacity: c.Aggregation.BucketCapacity,
		BucketMaxAge:   c.Aggregation.BucketMaxAge,
		MinuteWarmup:   c.Aggregation.MinuteWarmup,
		MinDiff:        c.Aggregation.MinDiff,
	}
}

// FanoutConfig returns the fan-out stage settings.
func (c *Config) FanoutConfig() fanout.Config {
	return fanout.Config{NoisyProviders: slices.Clone(c.Fanout.NoisyProviders)}
}

// StorageConfig returns the persistence sink settings.
func (c *Config) StorageConfig() storage.Config {
	ch := storage.DefaultClickHouseConfig()
	ch.Addr = c.Storage.ClickHouse.Addr
	ch.Database = c.Storage.ClickHouse.Database
	ch.Username = c.Storage.ClickHouse.Username
	ch.Password = c.Storage.ClickHouse.Password
	return storage.Config{
		Backend: c.Storage.Backend,
		SQLite: storage.SQLiteConfig{
			DBPath:           c.Storage.SQLitePath,
			WriteBufferSize:  c.Storage.WriteBufferSize,
			FlushInterval:    c.Storage.FlushInterval,
			RetentionMetrics: c.Storage.RetentionMetrics,
			RetentionStats:   c.Storage.RetentionStats,
		},
		ClickHouse: ch,
	}
}

// BusConfig returns the NATS settings.
func (c *Config) BusConfig() bus.Config {
	return bus.Config{
		URL:                  c.NATS.URL,
		Name:                 "insightd",
		EventsSubject:        c.NATS.EventsSubject,
		ControlSubject:       c.NATS.ControlSubject,
		NotificationsSubject: c.NATS.NotificationsSubject,
	}
}

// LoggingConfig returns the logger settings for component.
func (c *Config) LoggingConfig(component string) logging.Config {
	return logging.Config{
		Format:    c.Log.Format,
		Level:     c.Log.Level,
		Component: component,
		FilePath:  c.Log.File,
	}
}
