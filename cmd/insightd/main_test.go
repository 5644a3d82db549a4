package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// isolatedEnv points the configuration at a temp dir with no NATS and no
// persistence.
func isolatedEnv(t *testing.T) {
	t.Helper()
	t.Setenv("INSIGHTS_DATA_DIR", t.TempDir())
	t.Setenv("INSIGHTS_STORAGE_BACKEND", "none")
	t.Setenv("INSIGHTS_NATS_ENABLED", "false")
	t.Setenv("INSIGHTS_NOTIFY_LOG", "false")
	t.Setenv("INSIGHTS_LOG_LEVEL", "error")
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	t.Cleanup(func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit })

	Version, BuildTime, GitCommit = "1.2.3", "2024-01-01", "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "insightd 1.2.3")
	assert.Contains(t, out, "Built: 2024-01-01")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestConfigValidateCmd(t *testing.T) {
	isolatedEnv(t)
	out, err := execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, "INSIGHTS_STORAGE_BACKEND")
}

func TestConfigValidateCmdFails(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("INSIGHTS_WINDOW", "0")
	_, err := execute(t, "config", "validate")
	require.Error(t, err)
}

func TestConfigShowRedactsPassword(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("INSIGHTS_CLICKHOUSE_PASSWORD", "hunter2")
	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "window: 30")
}

func TestBuildControl(t *testing.T) {
	set, err := controlFlags{
		account: "A1", name: models.ConnectionActivityCount, criteria: "CONNECTION_ID=c1",
		granularity: "MINUTE", mean: 10, stddev: 2, count: 30,
	}.buildControl(stats.OpSet)
	require.NoError(t, err)
	assert.Equal(t, models.GranularityMinute, set.Granularity)
	assert.Equal(t, "c1", set.Criteria.Get(models.ConnectionID))
	assert.Equal(t, 30, set.Count)
	assert.Equal(t, "A1|CONNECTION_ACTIVITY_COUNT|CONNECTION_ID=c1 at minute", describeTarget(set))

	all, err := controlFlags{account: "ignored"}.buildControl(stats.OpClearAll)
	require.NoError(t, err)
	assert.Empty(t, all.Account)
	assert.Equal(t, "all streams", describeTarget(all))

	_, err = controlFlags{}.buildControl(stats.OpClear)
	assert.Error(t, err, "clear needs a stream")

	_, err = controlFlags{key: "k", criteria: "BOGUS"}.buildControl(stats.OpClear)
	assert.Error(t, err)

	_, err = controlFlags{key: "k", granularity: "fortnight"}.buildControl(stats.OpClear)
	assert.Error(t, err)
}

func TestPostControl(t *testing.T) {
	var got stats.Control
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/control", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Op == stats.OpClearAll {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		http.Error(w, `{"error":"nope"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	require.NoError(t, postControl(context.Background(), srv.Client(), addr, stats.Control{Op: stats.OpClearAll}))
	assert.Equal(t, stats.OpClearAll, got.Op)

	err := postControl(context.Background(), srv.Client(), srv.URL+"/", stats.Control{Op: stats.OpClear, Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestFeedEvents(t *testing.T) {
	input := "{\"a\":1}\n\nbad\n{\"a\":2}\n"
	summary, err := feedEvents(context.Background(), strings.NewReader(input), func(_ context.Context, line []byte) (bool, error) {
		return json.Valid(line), nil
	})
	require.NoError(t, err)
	assert.Equal(t, replaySummary{Lines: 3, Submitted: 2, Malformed: 1}, summary)
}

func TestReplayProducesInsights(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("INSIGHTS_BUCKET_CAPACITY", "1")

	events := []string{
		`{"id":"e1","timestamp":"2024-03-01T12:00:00Z","eventKind":"activity","accountId":"A1","targetId":"c1","metadata":{"targetType":"Connection"}}`,
		`not json`,
		`{"id":"e2","timestamp":"2024-03-01T12:00:05Z","eventKind":"activity","accountId":"A1","targetId":"c1","metadata":{"targetType":"Connection"}}`,
	}
	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), strings.NewReader(strings.Join(events, "\n")), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	var sawA1 bool
	for _, line := range lines {
		var n models.Notification
		require.NoError(t, json.Unmarshal([]byte(line), &n), line)
		if n.Account == "A1" {
			sawA1 = true
			assert.Contains(t, []models.NotificationType{models.NotificationStatus, models.NotificationSummary}, n.Type)
		}
	}
	assert.True(t, sawA1)
}
