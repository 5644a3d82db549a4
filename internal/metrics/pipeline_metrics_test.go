package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordUncorrelated(t *testing.T) {
	before := testutil.ToFloat64(UncorrelatedDroppedTotal)
	RecordUncorrelated()
	RecordUncorrelated()
	assert.Equal(t, before+2, testutil.ToFloat64(UncorrelatedDroppedTotal))
}

func TestRecordDropped(t *testing.T) {
	c := RecordsDroppedTotal.WithLabelValues("stats")
	before := testutil.ToFloat64(c)
	RecordDropped("stats")
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestRecordEmittedIgnoresEmpty(t *testing.T) {
	c := RecordsEmittedTotal.WithLabelValues("fanout")
	before := testutil.ToFloat64(c)
	RecordEmitted("fanout", 0)
	RecordEmitted("fanout", -3)
	assert.Equal(t, before, testutil.ToFloat64(c))
	RecordEmitted("fanout", 6)
	assert.Equal(t, before+6, testutil.ToFloat64(c))
}

func TestRecordNotificationSent(t *testing.T) {
	ok := NotificationsSentTotal.WithLabelValues("webhook", "success")
	failed := NotificationsSentTotal.WithLabelValues("webhook", "failed")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordNotificationSent("webhook", true)
	RecordNotificationSent("webhook", false)
	RecordNotificationSent("webhook", false)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+2, testutil.ToFloat64(failed))
}

func TestGauges(t *testing.T) {
	SetQueueDepth("aggregate", 12)
	assert.Equal(t, 12.0, testutil.ToFloat64(QueueDepth.WithLabelValues("aggregate")))

	SetStreamsTracked("minute", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(StreamsTracked.WithLabelValues("minute")))
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordEventReceived("replay")
	RecordProcessingError("fanout")
	RecordAnomaly("CONNECTION_ACTIVITY_COUNT")
	RecordBucketFlushed("stale")
	RecordNotification("STATUS")
	RecordSinkWrite("metric_records", 10)
	RecordSinkError()
}
