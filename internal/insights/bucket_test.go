package insights

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/pulse-insights/internal/models"
)

func TestBucketReady(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		samples int
		age     time.Duration
		want    bool
	}{
		{"fresh single sample", 1, 0, false},
		{"one short of capacity", 39, time.Minute, false},
		{"at capacity", 40, 0, true},
		{"just under max age", 1, 299999 * time.Millisecond, false},
		{"at max age", 1, 300000 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBucket("A1|CONNECTION_COUNT|c1", created)
			for i := 0; i < tt.samples; i++ {
				b.Add(models.StatRecord{Value: float64(i)})
			}
			assert.Equal(t, tt.want, b.Ready(created.Add(tt.age), DefaultBucketCapacity, DefaultBucketMaxAge))
		})
	}
}

func TestBucketFlushReason(t *testing.T) {
	b := newBucket("k", time.Now())
	b.Add(models.StatRecord{})
	assert.Equal(t, "stale", b.flushReason(2))
	b.Add(models.StatRecord{})
	assert.Equal(t, "full", b.flushReason(2))
}
