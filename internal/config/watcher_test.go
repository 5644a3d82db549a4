package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

func newTestWatcher(t *testing.T) (*ConfigWatcher, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Default(dir)

	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prevLevel)
		whitelist.SetVolatilePatterns(nil)
	})

	cw, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(cw.Stop)
	return cw, filepath.Join(dir, ".env")
}

func TestReloadAppliesLogLevelAndPatterns(t *testing.T) {
	cw, envPath := newTestWatcher(t)
	require.NoError(t, os.WriteFile(envPath, []byte(
		"INSIGHTS_LOG_LEVEL=debug\nINSIGHTS_VOLATILE_PATTERNS=\"*/BurstBalance,*/CPUCreditBalance\"\n"), 0o600))

	var notified []string
	cw.OnReload(func(changes []string) { notified = changes })

	criteria := models.NewCriteria(models.ResourceID, "vol-1/BurstBalance")
	require.True(t, whitelist.AllowedStrict(models.ResourceUsage, criteria))

	changes := cw.ReloadConfig()
	assert.Equal(t, []string{"log level", "volatile patterns"}, changes)
	assert.Equal(t, changes, notified)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, "debug", cw.config.Log.Level)

	assert.False(t, whitelist.AllowedStrict(models.ResourceUsage, criteria))
}

func TestReloadWithoutChanges(t *testing.T) {
	cw, envPath := newTestWatcher(t)
	require.NoError(t, os.WriteFile(envPath, []byte("INSIGHTS_LOG_LEVEL=info\nUNRELATED=1\n"), 0o600))

	assert.Empty(t, cw.ReloadConfig())
}

func TestReloadIgnoresUnknownLevel(t *testing.T) {
	cw, envPath := newTestWatcher(t)
	require.NoError(t, os.WriteFile(envPath, []byte("INSIGHTS_LOG_LEVEL=shouty\n"), 0o600))

	assert.Empty(t, cw.ReloadConfig())
	assert.Equal(t, "info", cw.config.Log.Level)
}

func TestReloadMissingFile(t *testing.T) {
	cw, _ := newTestWatcher(t)
	assert.Empty(t, cw.ReloadConfig())
}

func TestStopIsIdempotent(t *testing.T) {
	cw, _ := newTestWatcher(t)
	require.NoError(t, cw.Start())
	cw.Stop()
	cw.Stop()
}
