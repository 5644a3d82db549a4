package fanout

import "github.com/rcourtman/pulse-insights/internal/models"

type classKey struct {
	target models.TargetType
	kind   models.EventKind
}

// classification maps (target type, event kind) to the built-in count metric.
var classification = map[classKey]string{
	{models.TargetAccount, models.EventCreate}: models.AccountCount,
	{models.TargetAccount, models.EventUpdate}: models.AccountCount,
	{models.TargetAccount, models.EventDelete}: models.AccountCount,

	{models.TargetUser, models.EventCreate}:        models.UserCount,
	{models.TargetUser, models.EventUpdate}:        models.UserCount,
	{models.TargetUser, models.EventDelete}:        models.UserCount,
	{models.TargetUser, models.EventCreateInvite}:  models.PendingUserCount,
	{models.TargetUser, models.EventDeleteInvite}:  models.PendingUserCount,
	{models.TargetUser, models.EventCreateRequest}: models.PendingUserCount,

	{models.TargetConnection, models.EventCreate}:   models.ConnectionCount,
	{models.TargetConnection, models.EventUpdate}:   models.ConnectionCount,
	{models.TargetConnection, models.EventDelete}:   models.ConnectionCount,
	{models.TargetConnection, models.EventActivity}: models.ConnectionActivityCount,

	{models.TargetInventoryItem, models.EventCreate}:   models.InventoryItemCount,
	{models.TargetInventoryItem, models.EventUpdate}:   models.InventoryItemCount,
	{models.TargetInventoryItem, models.EventDelete}:   models.InventoryItemCount,
	{models.TargetInventoryItem, models.EventActivity}: models.InventoryItemActivityCount,

	{models.TargetMessage, models.EventCreate}: models.MessageCount,
	{models.TargetMessage, models.EventUpdate}: models.MessageCount,
	{models.TargetMessage, models.EventDelete}: models.MessageCount,
}

// Classify returns the count metric for an event, or false when the
// combination is not recognized.
func Classify(target models.TargetType, kind models.EventKind) (string, bool) {
	name, ok := classification[classKey{target, kind}]
	return name, ok
}

// EventValue returns the count delta carried by an event kind.
func EventValue(kind models.EventKind) (float64, bool) {
	switch kind {
	case models.EventCreate, models.EventActivity, models.EventCreateInvite, models.EventCreateRequest:
		return 1, true
	case models.EventUpdate:
		return 0, true
	case models.EventDelete, models.EventDeleteInvite:
		return -1, true
	default:
		return 0, false
	}
}

func isActivityMetric(name string) bool {
	return name == models.ConnectionActivityCount || name == models.InventoryItemActivityCount
}
