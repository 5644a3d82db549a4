package models

import "time"

// NotificationType classifies an insight.
type NotificationType string

const (
	NotificationAnomaly NotificationType = "ANOMALY"
	NotificationStatus  NotificationType = "STATUS"
	NotificationSummary NotificationType = "SUMMARY"
)

// InsightItem is one sample inside an aggregated insight.
type InsightItem struct {
	Criteria Criteria `json:"criteria"`
	Name     string   `json:"name"`
	Value    float64  `json:"value"`
	Mean     float64  `json:"mean"`
	StdDev   float64  `json:"stddev"`
	Diff     float64  `json:"diff"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
}

// Notification is the insight document handed to notification routers.
// Items, Total and Created are only set on aggregated insights; Diff then
// carries the bucket-level sum.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Granularity Granularity      `json:"granularity"`
	Account     string           `json:"account"`
	Name        string           `json:"name"`
	Timestamp   time.Time        `json:"timestamp"`
	Criteria    Criteria         `json:"metricCriteria"`
	Value       float64          `json:"value"`
	Mean        float64          `json:"mean"`
	StdDev      float64          `json:"stddev"`
	Diff        float64          `json:"diff"`
	Min         float64          `json:"min"`
	Max         float64          `json:"max"`
	Items       []InsightItem    `json:"items,omitempty"`
	Total       *float64         `json:"total,omitempty"`
	Created     *time.Time       `json:"created,omitempty"`
}

// Aggregated reports whether the notification summarizes a bucket.
func (n Notification) Aggregated() bool {
	return len(n.Items) > 0
}
