// Package whitelist decides which (metric name, criteria) combinations are
// meaningful enough to keep downstream.
package whitelist

import (
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// DefaultVolatilePatterns match RESOURCE_ID values whose signal is too noisy
// for anomaly detection.
var DefaultVolatilePatterns = []string{"*/CPUCreditBalance"}

var (
	mu               sync.RWMutex
	volatilePatterns = append([]string(nil), DefaultVolatilePatterns...)
)

// SetVolatilePatterns replaces the wildcard patterns used by AllowedStrict.
// A nil slice restores the defaults.
func SetVolatilePatterns(patterns []string) {
	mu.Lock()
	defer mu.Unlock()
	if patterns == nil {
		patterns = DefaultVolatilePatterns
	}
	volatilePatterns = append([]string(nil), patterns...)
}

type rule func(models.Criteria) bool

func allowAll(models.Criteria) bool { return true }

func denyObjectID(c models.Criteria) bool {
	return !c.Has(models.ObjectID)
}

func denyObjectHashtag(c models.Criteria) bool {
	return !(c.Has(models.ObjectID) && c.Has(models.Hashtag))
}

func resourceReading(c models.Criteria) bool {
	if c.Get(models.ResourceID) == "" {
		return false
	}
	switch strings.ToLower(c.Get(models.MetricID)) {
	case "maximum", "minimum":
		return false
	default:
		return true
	}
}

var rules = map[string]rule{
	models.AccountCount:               allowAll,
	models.UserCount:                  allowAll,
	models.PendingUserCount:           allowAll,
	models.ConnectionCount:            allowAll,
	models.ConnectionActivityCount:    allowAll,
	models.MessageCount:               allowAll,
	models.InventoryItemCount:         denyObjectID,
	models.InventoryItemActivityCount: denyObjectHashtag,
	models.ResourceUsage:              resourceReading,
	models.MonitorReading:             resourceReading,
	models.SocialCount:                resourceReading,
}

// Allowed reports whether the metric stream should be stored.
func Allowed(name string, criteria models.Criteria) bool {
	r, ok := rules[name]
	if !ok {
		return false
	}
	return r(criteria)
}

// AllowedStrict additionally rejects volatile resources; it gates anomaly
// detection and insight generation.
func AllowedStrict(name string, criteria models.Criteria) bool {
	if rid := criteria.Get(models.ResourceID); rid != "" {
		mu.RLock()
		patterns := volatilePatterns
		mu.RUnlock()
		for _, p := range patterns {
			if wildcard.Match(p, rid) {
				return false
			}
		}
	}
	return Allowed(name, criteria)
}
