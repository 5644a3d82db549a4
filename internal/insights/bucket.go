package insights

import (
	"time"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// Bucket collects the pending samples of one account, metric and correlated
// object until it is flushed.
type Bucket struct {
	Key     string
	Created time.Time
	Samples []models.StatRecord
}

func newBucket(key string, created time.Time) *Bucket {
	return &Bucket{Key: key, Created: created}
}

// Add appends a sample in arrival order.
func (b *Bucket) Add(s models.StatRecord) {
	b.Samples = append(b.Samples, s)
}

// Len returns the number of pending samples.
func (b *Bucket) Len() int {
	return len(b.Samples)
}

// Age returns how long the bucket has existed at now.
func (b *Bucket) Age(now time.Time) time.Duration {
	return now.Sub(b.Created)
}

// Ready reports whether the bucket is full or stale.
func (b *Bucket) Ready(now time.Time, capacity int, maxAge time.Duration) bool {
	return b.Len() >= capacity || b.Age(now) >= maxAge
}

// flushReason labels why a ready bucket is being flushed.
func (b *Bucket) flushReason(capacity int) string {
	if b.Len() >= capacity {
		return "full"
	}
	return "stale"
}
