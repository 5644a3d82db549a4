package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/pulse-insights/internal/errors"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
	"github.com/rcourtman/pulse-insights/internal/storage"
)

type fakeEngine struct {
	keys     map[models.Granularity][]string
	states   map[string]stats.StreamState
	recent   []models.Notification
	controls []stats.Control
	rejectBy error
}

func (f *fakeEngine) Control(ctl stats.Control) error {
	if err := ctl.Validate(); err != nil {
		return internalerrors.Malformed("stats", "control", err)
	}
	if f.rejectBy != nil {
		return f.rejectBy
	}
	f.controls = append(f.controls, ctl)
	return nil
}

func (f *fakeEngine) Granularities() []models.Granularity {
	return []models.Granularity{models.GranularityMinute, models.GranularityHour}
}

func (f *fakeEngine) StreamKeys(g models.Granularity) []string { return f.keys[g] }

func (f *fakeEngine) StreamState(key string, g models.Granularity) (stats.StreamState, bool) {
	st, ok := f.states[string(g)+"/"+key]
	return st, ok
}

func (f *fakeEngine) Window(models.Granularity) int { return 30 }

func (f *fakeEngine) RecentInsights(limit int) []models.Notification {
	return f.recent[:min(limit, len(f.recent))]
}

func (f *fakeEngine) Idle() bool { return true }

type fakeHistory struct {
	records []models.StatRecord
	err     error
	since   time.Time
}

func (f *fakeHistory) StatHistory(_ context.Context, _ string, _ models.Granularity, since time.Time) ([]models.StatRecord, error) {
	f.since = since
	return f.records, f.err
}

type fakeStorage struct{}

func (fakeStorage) GetStats(context.Context) storage.Stats {
	return storage.Stats{DBPath: "/tmp/insights.db", MetricRecords: 12, StatSamples: 3}
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", &fakeEngine{}, WithVersion("1.2.3"))
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, true, body["idle"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(":0", &fakeEngine{})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecentInsights(t *testing.T) {
	engine := &fakeEngine{recent: []models.Notification{
		{ID: "n2", Type: models.NotificationAnomaly, Account: "A1"},
		{ID: "n1", Type: models.NotificationStatus, Account: "A1"},
	}}
	s := NewServer(":0", engine)

	rec := do(t, s, http.MethodGet, "/api/insights/recent?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]models.Notification](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "n2", got[0].ID)

	empty := NewServer(":0", &fakeEngine{})
	rec = do(t, empty, http.MethodGet, "/api/insights/recent", "")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListStreamsPaginates(t *testing.T) {
	engine := &fakeEngine{keys: map[models.Granularity][]string{
		models.GranularityMinute: {"a", "b", "c"},
		models.GranularityHour:   {"h"},
	}}
	s := NewServer(":0", engine)

	rec := do(t, s, http.MethodGet, "/api/streams?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[StreamPage](t, rec)
	assert.Equal(t, models.GranularityMinute, page.Granularity, "defaults to the finest granularity")
	assert.Equal(t, []string{"a", "b"}, page.Keys)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)

	rec = do(t, s, http.MethodGet, "/api/streams?granularity=HOUR&offset=5", "")
	page = decode[StreamPage](t, rec)
	assert.Empty(t, page.Keys)
	assert.Equal(t, 1, page.Total)

	rec = do(t, s, http.MethodGet, "/api/streams?granularity=week", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamState(t *testing.T) {
	engine := &fakeEngine{states: map[string]stats.StreamState{
		"minute/A1|X|": {Y: 12, Avg: 10, S: 30 * 4, N: 45, Min: 1, Max: 20, Snooze: 2},
	}}
	s := NewServer(":0", engine)

	rec := do(t, s, http.MethodGet, "/api/streams/state?key=A1|X|", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[StreamView](t, rec)
	assert.Equal(t, 10.0, view.Mean)
	assert.InDelta(t, 2.0, view.StdDev, 1e-9)
	assert.Equal(t, 45, view.Count)
	assert.Equal(t, 2, view.Snooze)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/streams/state?key=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/streams/state", "").Code)
}

func TestStreamHistory(t *testing.T) {
	s := NewServer(":0", &fakeEngine{})
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodGet, "/api/streams/history?key=k", "").Code)

	history := &fakeHistory{records: []models.StatRecord{{Account: "A1", Name: "X", Value: 3}}}
	s = NewServer(":0", &fakeEngine{}, WithHistory(history))

	rec := do(t, s, http.MethodGet, "/api/streams/history?key=k&since=2h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]models.StatRecord](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].Value)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), history.since, time.Minute)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/streams/history?key=k&since=-1h", "").Code)

	history.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/streams/history?key=k", "").Code)
}

func TestControl(t *testing.T) {
	engine := &fakeEngine{}
	s := NewServer(":0", engine)

	rec := do(t, s, http.MethodPost, "/api/control", `{"op":"set","account":"A1","name":"MESSAGE_COUNT","mean":4,"stddev":1,"count":31}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, engine.controls, 1)
	assert.Equal(t, stats.OpSet, engine.controls[0].Op)
	assert.Equal(t, 31, engine.controls[0].Count)

	rec = do(t, s, http.MethodPost, "/api/control", `{"op":"clear"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_control", decode[APIError](t, rec).Code)

	rec = do(t, s, http.MethodPost, "/api/control", `{"op":"clear-all","surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	engine.rejectBy = errors.New("control queue of shard 0 is full")
	rec = do(t, s, http.MethodPost, "/api/control", `{"op":"clear-all"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStorageStats(t *testing.T) {
	s := NewServer(":0", &fakeEngine{})
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodGet, "/api/storage", "").Code)

	s = NewServer(":0", &fakeEngine{}, WithStorage(fakeStorage{}))
	rec := do(t, s, http.MethodGet, "/api/storage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(12), decode[storage.Stats](t, rec).MetricRecords)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
