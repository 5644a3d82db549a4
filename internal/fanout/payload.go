package fanout

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// ProviderType is the closed set of provider families with payload metrics.
type ProviderType string

const (
	ProviderCloud      ProviderType = "cloud"
	ProviderSocial     ProviderType = "social"
	ProviderMonitoring ProviderType = "monitoring"
)

// payloadRecords extracts ABSOLUTE-mode provider readings from the event
// payload. Malformed entries are skipped one by one.
func payloadRecords(evt models.Event, base map[string]any) []models.MetricRecord {
	if evt.Kind != models.EventActivity {
		return nil
	}
	payload, ok := evt.Metadata[models.MetaPayload].(map[string]any)
	if !ok {
		return nil
	}

	var out []models.MetricRecord
	switch ProviderType(strings.ToLower(evt.MetaString(models.MetaProviderType))) {
	case ProviderCloud:
		out = cloudRecords(evt, payload)
	case ProviderSocial:
		out = socialRecords(evt, payload)
	case ProviderMonitoring:
		out = monitoringRecords(evt, payload)
	default:
		return nil
	}
	for i := range out {
		out[i].Metadata = base
	}
	return out
}

func cloudRecords(evt models.Event, payload map[string]any) []models.MetricRecord {
	points, ok := payload["datapoints"].([]any)
	if !ok {
		skipField(evt, "datapoints", "missing or not a list")
		return nil
	}
	out := make([]models.MetricRecord, 0, len(points))
	for i, raw := range points {
		dp, ok := raw.(map[string]any)
		if !ok {
			skipField(evt, fmt.Sprintf("datapoints[%d]", i), "not an object")
			continue
		}
		resource, _ := dp["resourceId"].(string)
		metric, _ := dp["metric"].(string)
		statistic, _ := dp["statistic"].(string)
		value, ok := number(dp["value"])
		if resource == "" || metric == "" || statistic == "" || !ok {
			skipField(evt, fmt.Sprintf("datapoints[%d]", i), "incomplete datapoint")
			continue
		}
		mode := models.ModeAbsolute
		if m, _ := dp["mode"].(string); strings.EqualFold(m, string(models.ModeDelta)) {
			mode = models.ModeDelta
		}
		criteria := models.NewCriteria(
			models.ResourceID, resource+"/"+metric,
			models.MetricID, strings.ToLower(statistic),
		)
		out = append(out, models.NewMetricRecord(evt.AccountID, models.ResourceUsage, mode, criteria, timestampOf(evt, dp), value))
	}
	return out
}

func socialRecords(evt models.Event, payload map[string]any) []models.MetricRecord {
	counters, ok := payload["counters"].(map[string]any)
	if !ok {
		skipField(evt, "counters", "missing or not an object")
		return nil
	}
	subject := evt.TargetID
	if subject == "" {
		subject = evt.MetaString(models.MetaConnectionID)
	}
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.MetricRecord, 0, len(names))
	for _, name := range names {
		value, ok := number(counters[name])
		if !ok || subject == "" {
			skipField(evt, "counters."+name, "not a number or no subject")
			continue
		}
		metricID := strings.ToLower(name)
		criteria := models.NewCriteria(
			models.ResourceID, subject+"/"+metricID,
			models.MetricID, metricID,
		)
		out = append(out, models.NewMetricRecord(evt.AccountID, models.SocialCount, models.ModeAbsolute, criteria, evt.Timestamp, value))
	}
	return out
}

func monitoringRecords(evt models.Event, payload map[string]any) []models.MetricRecord {
	checks, ok := payload["checks"].([]any)
	if !ok {
		skipField(evt, "checks", "missing or not a list")
		return nil
	}
	var out []models.MetricRecord
	for i, raw := range checks {
		check, ok := raw.(map[string]any)
		if !ok {
			skipField(evt, fmt.Sprintf("checks[%d]", i), "not an object")
			continue
		}
		checkID, _ := check["checkId"].(string)
		if checkID == "" {
			skipField(evt, fmt.Sprintf("checks[%d].checkId", i), "missing")
			continue
		}
		for _, reading := range []struct{ field, metricID string }{
			{"responseTime", "responsetime"},
			{"uptime", "uptime"},
		} {
			value, ok := number(check[reading.field])
			if !ok {
				continue
			}
			criteria := models.NewCriteria(
				models.ResourceID, checkID,
				models.MetricID, reading.metricID,
			)
			out = append(out, models.NewMetricRecord(evt.AccountID, models.MonitorReading, models.ModeAbsolute, criteria, timestampOf(evt, check), value))
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// timestampOf prefers a per-reading RFC3339 "timestamp" over the event time.
func timestampOf(evt models.Event, fields map[string]any) time.Time {
	if raw, ok := fields["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return evt.Timestamp
}

func skipField(evt models.Event, field, reason string) {
	log.Debug().
		Str("stage", "fanout").
		Str("event", evt.ID).
		Str("provider", evt.MetaString(models.MetaProviderID)).
		Str("field", field).
		Str("reason", reason).
		Msg("Skipping malformed payload field")
}
