package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GlobalAccount is the account id used for cross-account totals.
const GlobalAccount = "global"

// Mode states how a record's value relates to the stream's previous value.
type Mode string

const (
	ModeAbsolute Mode = "ABSOLUTE"
	ModeDelta    Mode = "DELTA"
)

// Built-in metric names.
const (
	AccountCount               = "ACCOUNT_COUNT"
	ConnectionCount            = "CONNECTION_COUNT"
	ConnectionActivityCount    = "CONNECTION_ACTIVITY_COUNT"
	InventoryItemCount         = "INVENTORY_ITEM_COUNT"
	InventoryItemActivityCount = "INVENTORY_ITEM_ACTIVITY_COUNT"
	MessageCount               = "MESSAGE_COUNT"
	UserCount                  = "USER_COUNT"
	PendingUserCount           = "PENDING_USER_COUNT"

	ResourceUsage  = "RESOURCE_USAGE"
	SocialCount    = "SOCIAL_COUNT"
	MonitorReading = "MONITOR_READING"
)

var streamNamespace = uuid.MustParse("6f0c5d1e-6a53-4c8e-9d55-3b1f0c9a2e47")

// StreamID derives the globally unique, deterministic identifier of a metric
// stream from its name and criteria.
func StreamID(name string, criteria Criteria) string {
	return uuid.NewSHA1(streamNamespace, []byte(name+"|"+criteria.String())).String()
}

// StreamKey identifies per-stream state: account, name and canonical criteria.
func StreamKey(account, name string, criteria Criteria) string {
	return account + "|" + name + "|" + criteria.String()
}

// SplitStreamKey is the inverse of StreamKey.
func SplitStreamKey(key string) (account, name string, criteria Criteria, err error) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return "", "", nil, fmt.Errorf("stream key %q: expected account|name|criteria", key)
	}
	criteria, err = ParseCriteria(parts[2])
	if err != nil {
		return "", "", nil, fmt.Errorf("stream key %q: %w", key, err)
	}
	return parts[0], parts[1], criteria, nil
}

// MetricRecord is one dimensioned metric sample produced by fan-out.
type MetricRecord struct {
	Account   string         `json:"metricAccount"`
	Name      string         `json:"metricName"`
	Mode      Mode           `json:"metricMode"`
	Criteria  Criteria       `json:"metricCriteria"`
	Timestamp time.Time      `json:"metricTimestamp"`
	Value     float64        `json:"metricValue"`
	ID        string         `json:"metricId"`
	Metadata  map[string]any `json:"metaData,omitempty"`
}

// NewMetricRecord builds a record and derives its stream id.
func NewMetricRecord(account, name string, mode Mode, criteria Criteria, ts time.Time, value float64) MetricRecord {
	if criteria == nil {
		criteria = Criteria{}
	}
	return MetricRecord{
		Account:   account,
		Name:      name,
		Mode:      mode,
		Criteria:  criteria,
		Timestamp: ts,
		Value:     value,
		ID:        StreamID(name, criteria),
	}
}

// Key returns the stream key of the record.
func (r MetricRecord) Key() string {
	return StreamKey(r.Account, r.Name, r.Criteria)
}

// Granularity is the minimum spacing between scheduled emissions of a stream.
type Granularity string

const (
	GranularityNone   Granularity = "none"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// ParseGranularity accepts the canonical names, case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GranularityNone, GranularityMinute, GranularityHour, GranularityDay:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// StatRecord is the output of the statistics stage.
type StatRecord struct {
	Account     string         `json:"metricAccount"`
	Name        string         `json:"metricName"`
	Type        Mode           `json:"metricType"`
	Timestamp   time.Time      `json:"metricTimestamp"`
	Value       float64        `json:"metricValue"`
	Criteria    Criteria       `json:"metricCriteria"`
	Metadata    map[string]any `json:"metaData,omitempty"`
	Granularity Granularity    `json:"granularity"`
	Mean        float64        `json:"mean"`
	StdDev      float64        `json:"stddev"`
	Diff        float64        `json:"diff"`
	Min         float64        `json:"min"`
	Max         float64        `json:"max"`
	Anomaly     bool           `json:"anomaly"`
}

// Key returns the stream key of the sample.
func (s StatRecord) Key() string {
	return StreamKey(s.Account, s.Name, s.Criteria)
}

// MetaString returns a metadata string value or "".
func (s StatRecord) MetaString(key string) string {
	if s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[key].(string)
	return strings.TrimSpace(v)
}
