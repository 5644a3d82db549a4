package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/logging"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// ConfigWatcher monitors the data directory's .env file and applies the
// settings that can change at runtime: the log level and the volatile
// resource patterns.
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.Mutex
	onReload    func(changes []string)
}

// NewConfigWatcher creates a watcher for DataDir/.env.
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:   config,
		envPath:  filepath.Join(config.DataDir, ".env"),
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(cw.envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}
	return cw, nil
}

// OnReload registers a callback invoked after changes are applied.
func (cw *ConfigWatcher) OnReload(fn func(changes []string)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onReload = fn
}

// Start begins watching. If the directory cannot be watched the watcher
// falls back to polling the file's modification time.
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().Str("env_path", cw.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
		cw.watcher.Close()
	})
}

// ReloadConfig re-reads the .env file immediately (e.g. on SIGHUP).
func (cw *ConfigWatcher) ReloadConfig() []string {
	return cw.reloadConfig()
}

func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(watchDebounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			cw.reloadConfig()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(cw.envPath)
			if err != nil || !stat.ModTime().After(cw.lastModTime) {
				continue
			}
			cw.lastModTime = stat.ModTime()
			log.Info().Msg("Detected .env file change via polling")
			cw.reloadConfig()
		case <-cw.stopChan:
			return
		}
	}
}

// reloadConfig applies the runtime-adjustable keys and returns what changed.
func (cw *ConfigWatcher) reloadConfig() []string {
	cw.mu.Lock()

	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			cw.mu.Unlock()
			log.Error().Err(err).Msg("Failed to read .env file")
			return nil
		}
		envMap = make(map[string]string)
	}

	var changes []string

	if level := strings.Trim(envMap["INSIGHTS_LOG_LEVEL"], "'\""); level != "" && !strings.EqualFold(level, cw.config.Log.Level) {
		if logging.SetLevel(level) {
			cw.config.Log.Level = strings.ToLower(level)
			changes = append(changes, "log level")
		} else {
			log.Warn().Str("level", level).Msg("Ignoring unknown log level from .env")
		}
	}

	if raw, ok := envMap["INSIGHTS_VOLATILE_PATTERNS"]; ok {
		patterns := splitList(strings.Trim(raw, "'\""))
		if !slices.Equal(patterns, cw.config.Fanout.VolatilePatterns) {
			cw.config.Fanout.VolatilePatterns = patterns
			whitelist.SetVolatilePatterns(patterns)
			changes = append(changes, "volatile patterns")
		}
	}

	callback := cw.onReload
	cw.mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No runtime-adjustable changes detected in .env file")
		return nil
	}
	log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")
	if callback != nil {
		callback(changes)
	}
	return changes
}
