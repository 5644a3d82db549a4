package fanout

import (
	"sort"
	"strings"
	"sync"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// HashtagHistory supplies the hashtags of the previous version of an event's
// target.
type HashtagHistory interface {
	Previous(evt models.Event) []string
}

// MetadataHistory reads the previous tags from the event's own metadata.
type MetadataHistory struct{}

func (MetadataHistory) Previous(evt models.Event) []string {
	return evt.MetaStrings(models.MetaPreviousHashtags)
}

// LastSeenHistory remembers the last tag set observed per target, for
// producers that do not ship the previous version. Metadata wins when present.
type LastSeenHistory struct {
	mu   sync.Mutex
	tags map[string][]string
}

func NewLastSeenHistory() *LastSeenHistory {
	return &LastSeenHistory{tags: make(map[string][]string)}
}

func (h *LastSeenHistory) Previous(evt models.Event) []string {
	key := evt.AccountID + "/" + evt.TargetID
	current := evt.MetaStrings(models.MetaHashtags)

	h.mu.Lock()
	defer h.mu.Unlock()

	prev, seen := h.tags[key]
	if evt.Kind == models.EventDelete {
		delete(h.tags, key)
	} else {
		h.tags[key] = append([]string(nil), current...)
	}

	if explicit := evt.MetaStrings(models.MetaPreviousHashtags); explicit != nil {
		return explicit
	}
	if !seen {
		return nil
	}
	return prev
}

func normalizeTags(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// HashtagDelta is one hashtag change: +1 added, -1 removed.
type HashtagDelta struct {
	Tag   string
	Value float64
}

// DiffHashtags computes the hashtag changes an event causes. Creates count
// every current tag as added, deletes count every tag as removed. Results are
// sorted by tag.
func DiffHashtags(kind models.EventKind, previous, current []string) []HashtagDelta {
	prev := normalizeTags(previous)
	cur := normalizeTags(current)

	var out []HashtagDelta
	switch kind {
	case models.EventCreate:
		for t := range cur {
			out = append(out, HashtagDelta{Tag: t, Value: 1})
		}
	case models.EventDelete:
		gone := cur
		if len(gone) == 0 {
			gone = prev
		}
		for t := range gone {
			out = append(out, HashtagDelta{Tag: t, Value: -1})
		}
	default:
		for t := range cur {
			if _, ok := prev[t]; !ok {
				out = append(out, HashtagDelta{Tag: t, Value: 1})
			}
		}
		for t := range prev {
			if _, ok := cur[t]; !ok {
				out = append(out, HashtagDelta{Tag: t, Value: -1})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// canTag reports whether a record may receive a hashtag clone for tag.
func canTag(rec models.MetricRecord, tag string) bool {
	if rec.Mode != models.ModeDelta {
		return false
	}
	if rec.Criteria.Has(models.ConnectionID) || rec.Criteria.Has(models.Hashtag) {
		return false
	}
	for _, d := range []models.Dimension{models.ProviderID, models.ProviderType} {
		if v, ok := rec.Criteria[d]; ok && strings.EqualFold(v, tag) {
			return false
		}
	}
	return true
}

// applyHashtags appends one clone per (record, delta) pair allowed by canTag.
func applyHashtags(records []models.MetricRecord, deltas []HashtagDelta) []models.MetricRecord {
	if len(deltas) == 0 {
		return records
	}
	out := records
	for _, rec := range records {
		for _, d := range deltas {
			if !canTag(rec, d.Tag) {
				continue
			}
			clone := models.NewMetricRecord(rec.Account, rec.Name, rec.Mode, rec.Criteria.With(models.Hashtag, d.Tag), rec.Timestamp, d.Value)
			clone.Metadata = rec.Metadata
			out = append(out, clone)
		}
	}
	return out
}
