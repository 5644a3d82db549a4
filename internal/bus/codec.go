package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	internalerrors "github.com/rcourtman/pulse-insights/internal/errors"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

// DecodeEvent parses one inbound event. Events without an account or kind
// are malformed.
func DecodeEvent(data []byte) (models.Event, error) {
	var evt models.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return models.Event{}, internalerrors.Malformed("ingest", "decode_event", err)
	}
	evt.AccountID = strings.TrimSpace(evt.AccountID)
	if evt.AccountID == "" {
		return models.Event{}, internalerrors.Malformed("ingest", "decode_event", fmt.Errorf("event %q has no accountId", evt.ID))
	}
	if evt.Kind == "" {
		return models.Event{}, internalerrors.Malformed("ingest", "decode_event", fmt.Errorf("event %q has no eventKind", evt.ID))
	}
	return evt, nil
}

// DecodeControl parses and validates one maintenance command.
func DecodeControl(data []byte) (stats.Control, error) {
	var ctl stats.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return stats.Control{}, internalerrors.Malformed("control", "decode_control", err)
	}
	if err := ctl.Validate(); err != nil {
		return stats.Control{}, internalerrors.Malformed("control", "decode_control", err)
	}
	return ctl, nil
}
