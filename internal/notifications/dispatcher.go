// Package notifications delivers insight notifications to the log, webhooks
// and the message bus.
package notifications

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/buffer"
	"github.com/rcourtman/pulse-insights/internal/metrics"
	"github.com/rcourtman/pulse-insights/internal/models"
)

// Dispatcher fans each notification out to all routers and remembers the
// most recent ones for the admin API.
type Dispatcher struct {
	routers []Router
	recent  *buffer.Queue[models.Notification]
}

// NewDispatcher creates a dispatcher keeping the last recentSize
// notifications.
func NewDispatcher(recentSize int, routers ...Router) *Dispatcher {
	return &Dispatcher{
		routers: routers,
		recent:  buffer.New[models.Notification](recentSize),
	}
}

// Dispatch delivers n to every router. Failures are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification) {
	metrics.RecordNotification(string(n.Type))
	d.recent.Push(n)

	for _, r := range d.routers {
		err := r.Route(ctx, n)
		metrics.RecordNotificationSent(r.Name(), err == nil)
		if err != nil {
			log.Error().
				Err(err).
				Str("router", r.Name()).
				Str("id", n.ID).
				Str("type", string(n.Type)).
				Str("account", n.Account).
				Msg("Failed to deliver insight")
		}
	}
}

// Recent returns up to limit notifications, newest first.
func (d *Dispatcher) Recent(limit int) []models.Notification {
	return d.recent.Newest(limit)
}

// Routers returns the configured routers.
func (d *Dispatcher) Routers() []Router {
	return d.routers
}
