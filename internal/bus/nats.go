// Package bus connects the pipeline to NATS: events and control commands in,
// insight notifications out.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

// Default subjects.
const (
	DefaultEventsSubject        = "insights.events"
	DefaultControlSubject       = "insights.control"
	DefaultNotificationsSubject = "insights.notifications"
)

// Config holds the NATS connection settings.
type Config struct {
	URL                  string
	Name                 string
	EventsSubject        string
	ControlSubject       string
	NotificationsSubject string
}

// DefaultConfig targets a local server with the default subjects.
func DefaultConfig() Config {
	return Config{
		URL:                  nats.DefaultURL,
		Name:                 "insightd",
		EventsSubject:        DefaultEventsSubject,
		ControlSubject:       DefaultControlSubject,
		NotificationsSubject: DefaultNotificationsSubject,
	}
}

// Bus is a NATS connection shared by the subscribers and the notification
// publisher.
type Bus struct {
	Conn *nats.Conn
	cfg  Config
}

// Connect dials NATS, reconnecting forever in the background.
func Connect(cfg Config) (*Bus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &Bus{Conn: conn, cfg: cfg}, nil
}

// Config returns the bus settings.
func (b *Bus) Config() Config {
	return b.cfg
}

// Publish sends raw bytes on subject.
func (b *Bus) Publish(subject string, data []byte) error {
	return b.Conn.Publish(subject, data)
}

// PublishJSON marshals payload and sends it on subject.
func (b *Bus) PublishJSON(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.Conn.Publish(subject, data)
}

// SubscribeEvents delivers decoded events to handler. Malformed messages are
// logged and skipped.
func (b *Bus) SubscribeEvents(handler func(models.Event)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(b.cfg.EventsSubject, func(msg *nats.Msg) {
		evt, err := DecodeEvent(msg.Data)
		if err != nil {
			log.Debug().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed event")
			return
		}
		handler(evt)
	})
}

// SubscribeControl delivers decoded maintenance commands to handler.
func (b *Bus) SubscribeControl(handler func(stats.Control)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(b.cfg.ControlSubject, func(msg *nats.Msg) {
		ctl, err := DecodeControl(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Rejected control command")
			return
		}
		handler(ctl)
	})
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	if b.Conn != nil {
		if err := b.Conn.Drain(); err != nil {
			log.Debug().Err(err).Msg("NATS drain failed")
		}
		b.Conn.Close()
	}
}
