// Package fanout turns one domain event into the dimensioned metric records
// derived from it.
package fanout

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/whitelist"
)

// DefaultNoisyProviders poll so often that their activity would drown every
// other activity signal.
var DefaultNoisyProviders = []string{"aws"}

// Config tunes the fan-out stage.
type Config struct {
	NoisyProviders []string
}

// Expander is the fan-out stage. It is safe for concurrent use as long as its
// HashtagHistory is.
type Expander struct {
	noisy   map[string]struct{}
	history HashtagHistory
}

// New creates an Expander. A nil history reads previous hashtags from event
// metadata.
func New(cfg Config, history HashtagHistory) *Expander {
	if cfg.NoisyProviders == nil {
		cfg.NoisyProviders = DefaultNoisyProviders
	}
	if history == nil {
		history = MetadataHistory{}
	}
	noisy := make(map[string]struct{}, len(cfg.NoisyProviders))
	for _, p := range cfg.NoisyProviders {
		noisy[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return &Expander{noisy: noisy, history: history}
}

// Expand returns every metric record derived from evt. Unknown event shapes
// yield no records.
func (x *Expander) Expand(evt models.Event) []models.MetricRecord {
	if strings.TrimSpace(evt.AccountID) == "" {
		log.Debug().Str("stage", "fanout").Str("event", evt.ID).Msg("Event has no account, skipping")
		return nil
	}

	base := baseMetadata(evt)
	target := evt.TargetType()

	var records []models.MetricRecord
	name, classified := Classify(target, evt.Kind)
	value, valued := EventValue(evt.Kind)
	if classified && valued {
		if isActivityMetric(name) && x.isNoisy(evt) {
			log.Debug().
				Str("stage", "fanout").
				Str("event", evt.ID).
				Str("provider", evt.MetaString(models.MetaProviderID)).
				Msg("Suppressing activity counts for polling provider")
		} else {
			records = countRecords(evt, name, value, base)
		}
	}
	records = append(records, payloadRecords(evt, base)...)

	if len(records) == 0 {
		log.Debug().
			Str("stage", "fanout").
			Str("event", evt.ID).
			Str("kind", string(evt.Kind)).
			Str("targetType", string(target)).
			Msg("Event produced no metrics")
		return nil
	}

	if classified && valued {
		deltas := DiffHashtags(evt.Kind, x.history.Previous(evt), evt.MetaStrings(models.MetaHashtags))
		records = applyHashtags(records, deltas)
	}

	out := make([]models.MetricRecord, 0, len(records))
	for _, rec := range records {
		if rec.Value == 0 {
			continue
		}
		if !whitelist.Allowed(rec.Name, rec.Criteria) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (x *Expander) isNoisy(evt models.Event) bool {
	_, ok := x.noisy[strings.ToLower(evt.MetaString(models.MetaProviderID))]
	return ok
}

// connectionOf resolves the connection an event belongs to.
func connectionOf(evt models.Event) string {
	if id := evt.MetaString(models.MetaConnectionID); id != "" {
		return id
	}
	if evt.TargetType() == models.TargetConnection {
		return evt.TargetID
	}
	return ""
}

func objectOf(evt models.Event) string {
	if id := evt.MetaString(models.MetaObjectID); id != "" {
		return id
	}
	if evt.TargetType() == models.TargetInventoryItem {
		return evt.TargetID
	}
	return ""
}

func baseMetadata(evt models.Event) map[string]any {
	md := map[string]any{
		models.MetaEventID: evt.ID,
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(models.MetaTargetID, evt.TargetID)
	set(models.MetaTargetType, string(evt.TargetType()))
	set(models.MetaConnectionID, connectionOf(evt))
	set(models.MetaProviderID, evt.MetaString(models.MetaProviderID))
	set(models.MetaProviderType, evt.MetaString(models.MetaProviderType))
	return md
}

// countRecords builds the global, account and dimensioned variants of a
// count metric.
func countRecords(evt models.Event, name string, value float64, base map[string]any) []models.MetricRecord {
	var out []models.MetricRecord
	add := func(account string, criteria models.Criteria) {
		rec := models.NewMetricRecord(account, name, models.ModeDelta, criteria, evt.Timestamp, value)
		rec.Metadata = base
		out = append(out, rec)
	}
	both := func(criteria models.Criteria) {
		add(models.GlobalAccount, criteria)
		add(evt.AccountID, criteria.Clone())
	}

	account := evt.AccountID
	providerID := evt.MetaString(models.MetaProviderID)
	providerType := evt.MetaString(models.MetaProviderType)
	objectType := evt.MetaString(models.MetaObjectType)
	connection := connectionOf(evt)
	activity := isActivityMetric(name)

	add(models.GlobalAccount, nil)

	switch name {
	case models.AccountCount:
	case models.UserCount, models.PendingUserCount:
		add(account, nil)
	case models.ConnectionCount, models.ConnectionActivityCount:
		add(account, nil)
		if providerType != "" {
			both(models.NewCriteria(models.ProviderType, providerType))
		}
		if providerID != "" {
			both(models.NewCriteria(models.ProviderID, providerID))
		}
		if activity && connection != "" {
			add(account, models.NewCriteria(models.ConnectionID, connection))
		}
	case models.InventoryItemCount, models.InventoryItemActivityCount:
		add(account, nil)
		if objectType == "" {
			break
		}
		both(models.NewCriteria(models.ObjectType, objectType))
		if providerID != "" {
			add(account, models.NewCriteria(models.ProviderID, providerID, models.ObjectType, objectType))
		}
		if connection != "" {
			add(account, models.NewCriteria(models.ConnectionID, connection, models.ObjectType, objectType))
		}
		if activity {
			if obj := objectOf(evt); obj != "" {
				add(account, models.NewCriteria(models.ObjectType, objectType, models.ObjectID, obj))
			}
		}
	case models.MessageCount:
		add(account, nil)
		if connection != "" {
			add(account, models.NewCriteria(models.ConnectionID, connection))
		}
	}
	return out
}
