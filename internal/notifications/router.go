package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// Router delivers insight notifications to one destination. Delivery is
// at-most-once: a failed Route is logged and counted by the caller, never
// retried.
type Router interface {
	Name() string
	Route(ctx context.Context, n models.Notification) error
}

// LogRouter writes every notification to the structured log.
type LogRouter struct{}

func (LogRouter) Name() string { return "log" }

func (LogRouter) Route(_ context.Context, n models.Notification) error {
	evt := log.Info().
		Str("id", n.ID).
		Str("type", string(n.Type)).
		Str("granularity", string(n.Granularity)).
		Str("account", n.Account).
		Str("metric", n.Name).
		Str("criteria", n.Criteria.String()).
		Float64("value", n.Value).
		Float64("mean", n.Mean).
		Float64("stddev", n.StdDev).
		Float64("diff", n.Diff)
	if n.Aggregated() {
		evt = evt.Int("items", len(n.Items))
		if n.Total != nil {
			evt = evt.Float64("total", *n.Total)
		}
	}
	evt.Msg("Insight")
	return nil
}

// Publisher is the subset of a message bus connection the NATS router needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusRouter publishes notifications as JSON on a bus subject.
type BusRouter struct {
	pub     Publisher
	subject string
}

// NewBusRouter creates a router publishing on subject.
func NewBusRouter(pub Publisher, subject string) *BusRouter {
	return &BusRouter{pub: pub, subject: subject}
}

func (r *BusRouter) Name() string { return "nats" }

func (r *BusRouter) Route(_ context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish notification %s to %s: %w", n.ID, r.subject, err)
	}
	return nil
}

// WriterRouter writes each notification as one JSON line.
type WriterRouter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterRouter(w io.Writer) *WriterRouter {
	return &WriterRouter{enc: json.NewEncoder(w)}
}

func (r *WriterRouter) Name() string { return "writer" }

func (r *WriterRouter) Route(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(n)
}
