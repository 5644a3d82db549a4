package models

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies what happened to the event's target.
type EventKind string

const (
	EventCreate        EventKind = "create"
	EventUpdate        EventKind = "update"
	EventDelete        EventKind = "delete"
	EventActivity      EventKind = "activity"
	EventCreateInvite  EventKind = "create-invite"
	EventDeleteInvite  EventKind = "delete-invite"
	EventCreateRequest EventKind = "create-request"
)

// TargetType identifies the kind of domain object an event is about.
type TargetType string

const (
	TargetAccount       TargetType = "Account"
	TargetUser          TargetType = "User"
	TargetConnection    TargetType = "Connection"
	TargetInventoryItem TargetType = "InventoryItem"
	TargetMessage       TargetType = "Message"
)

// Metadata keys understood by the fan-out stage.
const (
	MetaTargetType       = "targetType"
	MetaTargetID         = "targetId"
	MetaProviderID       = "providerId"
	MetaProviderType     = "providerType"
	MetaConnectionID     = "connectionId"
	MetaObjectType       = "objectType"
	MetaObjectID         = "objectId"
	MetaHashtags         = "hashtags"
	MetaPreviousHashtags = "previousHashtags"
	MetaPayload          = "payload"
	MetaEventID          = "eventId"
)

// Event is an immutable fact produced by the domain layer.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"eventKind"`
	AccountID string         `json:"accountId"`
	UserID    string         `json:"userId,omitempty"`
	TargetID  string         `json:"targetId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TargetType returns the target type recorded in the event metadata.
func (e Event) TargetType() TargetType {
	return TargetType(e.MetaString(MetaTargetType))
}

// MetaString returns a metadata value as a trimmed string. Numbers are
// formatted, anything else yields "".
func (e Event) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	switch v := e.Metadata[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case float64:
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

// MetaStrings returns a metadata value as a string slice. JSON decoding
// produces []any, so both shapes are accepted; non-string members are skipped.
func (e Event) MetaStrings(key string) []string {
	if e.Metadata == nil {
		return nil
	}
	switch v := e.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
