package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-insights/internal/models"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func connectionEvent(kind models.EventKind, extra map[string]any) models.Event {
	md := map[string]any{
		models.MetaTargetType:   string(models.TargetConnection),
		models.MetaProviderID:   "github",
		models.MetaProviderType: "vcs",
	}
	for k, v := range extra {
		md[k] = v
	}
	return models.Event{
		ID:        "evt-1",
		Timestamp: testTime,
		Kind:      kind,
		AccountID: "A1",
		TargetID:  "conn-1",
		Metadata:  md,
	}
}

func byKey(records []models.MetricRecord) map[string]models.MetricRecord {
	out := make(map[string]models.MetricRecord, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}

func TestExpandConnectionCreate(t *testing.T) {
	x := New(Config{}, nil)
	records := x.Expand(connectionEvent(models.EventCreate, nil))

	require.Len(t, records, 6)
	for _, r := range records {
		assert.Equal(t, models.ConnectionCount, r.Name)
		assert.Equal(t, models.ModeDelta, r.Mode)
		assert.Equal(t, 1.0, r.Value)
		assert.Equal(t, models.StreamID(r.Name, r.Criteria), r.ID)
	}

	keys := byKey(records)
	for _, account := range []string{models.GlobalAccount, "A1"} {
		assert.Contains(t, keys, models.StreamKey(account, models.ConnectionCount, models.Criteria{}))
		assert.Contains(t, keys, models.StreamKey(account, models.ConnectionCount, models.Criteria{models.ProviderType: "vcs"}))
		assert.Contains(t, keys, models.StreamKey(account, models.ConnectionCount, models.Criteria{models.ProviderID: "github"}))
	}
}

func TestExpandDeleteIsNegative(t *testing.T) {
	x := New(Config{}, nil)
	records := x.Expand(connectionEvent(models.EventDelete, nil))
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, -1.0, r.Value)
	}
}

func TestExpandUpdateWithoutHashtagChangesEmitsNothing(t *testing.T) {
	x := New(Config{}, nil)
	records := x.Expand(connectionEvent(models.EventUpdate, map[string]any{
		models.MetaHashtags:         []any{"a"},
		models.MetaPreviousHashtags: []any{"a"},
	}))
	assert.Empty(t, records)
}

func TestExpandUpdateHashtagDiff(t *testing.T) {
	x := New(Config{}, nil)
	evt := models.Event{
		ID:        "evt-2",
		Timestamp: testTime,
		Kind:      models.EventUpdate,
		AccountID: "A1",
		TargetID:  "item-1",
		Metadata: map[string]any{
			models.MetaTargetType:       string(models.TargetInventoryItem),
			models.MetaObjectType:       "vm",
			models.MetaHashtags:         []any{"a", "c"},
			models.MetaPreviousHashtags: []any{"a", "b"},
		},
	}
	records := x.Expand(evt)
	require.NotEmpty(t, records)

	tags := map[string]float64{}
	for _, r := range records {
		tag, ok := r.Criteria[models.Hashtag]
		require.True(t, ok, "only hashtag clones survive an update: %v", r.Criteria)
		assert.NotEqual(t, 0.0, r.Value)
		if prev, seen := tags[tag]; seen {
			assert.Equal(t, prev, r.Value)
		}
		tags[tag] = r.Value
	}
	assert.Equal(t, map[string]float64{"b": -1, "c": 1}, tags)
}

func TestDiffHashtags(t *testing.T) {
	diff := DiffHashtags(models.EventUpdate, []string{"a", "b"}, []string{"a", "c"})
	assert.Equal(t, []HashtagDelta{{Tag: "b", Value: -1}, {Tag: "c", Value: 1}}, diff)

	created := DiffHashtags(models.EventCreate, []string{"x"}, []string{"#Ops", "ops", " dev "})
	assert.Equal(t, []HashtagDelta{{Tag: "dev", Value: 1}, {Tag: "ops", Value: 1}}, created)

	deleted := DiffHashtags(models.EventDelete, []string{"a"}, nil)
	assert.Equal(t, []HashtagDelta{{Tag: "a", Value: -1}}, deleted)
}

func TestHashtagClonesSkipConnectionAndProviderTags(t *testing.T) {
	x := New(Config{}, nil)
	evt := connectionEvent(models.EventActivity, map[string]any{
		models.MetaHashtags: []any{"github", "deploy"},
	})
	evt.Kind = models.EventCreate
	records := x.Expand(evt)

	for _, r := range records {
		tag, tagged := r.Criteria[models.Hashtag]
		if !tagged {
			continue
		}
		assert.False(t, r.Criteria.Has(models.ConnectionID))
		if tag == "github" {
			assert.NotEqual(t, "github", r.Criteria.Get(models.ProviderID), "redundant provider tag clone")
		}
	}
	keys := byKey(records)
	assert.Contains(t, keys, models.StreamKey("A1", models.ConnectionCount, models.Criteria{models.Hashtag: "deploy"}))
	assert.Contains(t, keys, models.StreamKey("A1", models.ConnectionCount, models.Criteria{models.ProviderType: "vcs", models.Hashtag: "github"}))
	assert.NotContains(t, keys, models.StreamKey("A1", models.ConnectionCount, models.Criteria{models.ProviderID: "github", models.Hashtag: "github"}))
}

func TestExpandUnknownKindOrTarget(t *testing.T) {
	x := New(Config{}, nil)
	evt := connectionEvent("archive", nil)
	assert.Empty(t, x.Expand(evt))

	evt = connectionEvent(models.EventCreate, map[string]any{models.MetaTargetType: "Widget"})
	assert.Empty(t, x.Expand(evt))

	evt = connectionEvent(models.EventCreate, nil)
	evt.AccountID = ""
	assert.Empty(t, x.Expand(evt))
}

func TestExpandActivityIncludesConnectionVariant(t *testing.T) {
	x := New(Config{}, nil)
	records := x.Expand(connectionEvent(models.EventActivity, nil))
	keys := byKey(records)
	assert.Contains(t, keys, models.StreamKey("A1", models.ConnectionActivityCount, models.Criteria{models.ConnectionID: "conn-1"}))
	assert.NotContains(t, keys, models.StreamKey(models.GlobalAccount, models.ConnectionActivityCount, models.Criteria{models.ConnectionID: "conn-1"}))
}

func TestNoisyProviderSuppressesActivityButKeepsPayload(t *testing.T) {
	x := New(Config{}, nil)
	evt := connectionEvent(models.EventActivity, map[string]any{
		models.MetaProviderID:   "aws",
		models.MetaProviderType: "cloud",
		models.MetaPayload: map[string]any{
			"datapoints": []any{
				map[string]any{"resourceId": "i-1", "metric": "CPUUtilization", "statistic": "Average", "value": 12.5},
				map[string]any{"resourceId": "i-1", "metric": "CPUUtilization", "statistic": "Maximum", "value": 40.0},
				map[string]any{"resourceId": "i-2", "metric": "CPUUtilization", "value": 3.0},
				"garbage",
			},
		},
	})
	records := x.Expand(evt)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, models.ResourceUsage, r.Name)
	assert.Equal(t, models.ModeAbsolute, r.Mode)
	assert.Equal(t, 12.5, r.Value)
	assert.Equal(t, "i-1/CPUUtilization", r.Criteria.Get(models.ResourceID))
	assert.Equal(t, "average", r.Criteria.Get(models.MetricID))
	assert.Equal(t, "conn-1", r.Metadata[models.MetaConnectionID])
}

func TestSocialAndMonitoringPayloads(t *testing.T) {
	x := New(Config{NoisyProviders: []string{}}, nil)

	social := connectionEvent(models.EventActivity, map[string]any{
		models.MetaProviderID:   "twitter",
		models.MetaProviderType: "social",
		models.MetaPayload: map[string]any{
			"counters": map[string]any{"followers": 120.0, "bogus": "many"},
		},
	})
	var socialRecs []models.MetricRecord
	for _, r := range x.Expand(social) {
		if r.Name == models.SocialCount {
			socialRecs = append(socialRecs, r)
		}
	}
	require.Len(t, socialRecs, 1)
	assert.Equal(t, "conn-1/followers", socialRecs[0].Criteria.Get(models.ResourceID))
	assert.Equal(t, 120.0, socialRecs[0].Value)

	monitoring := connectionEvent(models.EventActivity, map[string]any{
		models.MetaProviderID:   "pingdom",
		models.MetaProviderType: "monitoring",
		models.MetaPayload: map[string]any{
			"checks": []any{
				map[string]any{"checkId": "chk-1", "responseTime": 230.0, "uptime": 99.9},
				map[string]any{"responseTime": 1.0},
			},
		},
	})
	var monitorRecs []models.MetricRecord
	for _, r := range x.Expand(monitoring) {
		if r.Name == models.MonitorReading {
			monitorRecs = append(monitorRecs, r)
		}
	}
	require.Len(t, monitorRecs, 2)
	assert.Equal(t, "responsetime", monitorRecs[0].Criteria.Get(models.MetricID))
	assert.Equal(t, "uptime", monitorRecs[1].Criteria.Get(models.MetricID))
}

func TestPendingUserVariants(t *testing.T) {
	x := New(Config{}, nil)
	evt := models.Event{
		ID:        "evt-3",
		Timestamp: testTime,
		Kind:      models.EventDeleteInvite,
		AccountID: "A1",
		TargetID:  "user-9",
		Metadata:  map[string]any{models.MetaTargetType: string(models.TargetUser)},
	}
	records := x.Expand(evt)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, models.PendingUserCount, r.Name)
		assert.Equal(t, -1.0, r.Value)
	}
}

func TestLastSeenHistory(t *testing.T) {
	h := NewLastSeenHistory()
	evt := connectionEvent(models.EventCreate, map[string]any{models.MetaHashtags: []any{"a", "b"}})
	assert.Nil(t, h.Previous(evt))

	evt.Kind = models.EventUpdate
	evt.Metadata[models.MetaHashtags] = []any{"a", "c"}
	assert.Equal(t, []string{"a", "b"}, h.Previous(evt))
	assert.Equal(t, []string{"a", "c"}, h.Previous(evt))
}

func TestEventValueTable(t *testing.T) {
	cases := map[models.EventKind]float64{
		models.EventCreate:        1,
		models.EventActivity:      1,
		models.EventCreateInvite:  1,
		models.EventCreateRequest: 1,
		models.EventUpdate:        0,
		models.EventDelete:        -1,
		models.EventDeleteInvite:  -1,
	}
	for kind, want := range cases {
		got, ok := EventValue(kind)
		assert.True(t, ok, kind)
		assert.Equal(t, want, got, kind)
	}
	_, ok := EventValue("login")
	assert.False(t, ok)
}
