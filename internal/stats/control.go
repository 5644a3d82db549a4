package stats

import (
	"fmt"

	"github.com/rcourtman/pulse-insights/internal/models"
)

// ControlOp is an out-of-band maintenance command for the statistics stage.
type ControlOp string

const (
	OpClear    ControlOp = "clear"
	OpClearAll ControlOp = "clear-all"
	OpSet      ControlOp = "set"
)

// Control addresses a stream either by Key or by Account/Name/Criteria.
// Granularity limits the command to one detector; empty means all.
type Control struct {
	Op          ControlOp          `json:"op"`
	Key         string             `json:"key,omitempty"`
	Account     string             `json:"account,omitempty"`
	Name        string             `json:"name,omitempty"`
	Criteria    models.Criteria    `json:"criteria,omitempty"`
	Granularity models.Granularity `json:"granularity,omitempty"`

	Mean   float64 `json:"mean,omitempty"`
	StdDev float64 `json:"stddev,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	Count  int     `json:"count,omitempty"`
}

// StreamKey resolves the addressed stream.
func (c Control) StreamKey() string {
	if c.Key != "" {
		return c.Key
	}
	return models.StreamKey(c.Account, c.Name, c.Criteria)
}

// Validate checks that the command is complete.
func (c Control) Validate() error {
	switch c.Op {
	case OpClearAll:
		return nil
	case OpClear, OpSet:
		if c.Key == "" && (c.Account == "" || c.Name == "") {
			return fmt.Errorf("%s requires key or account and name", c.Op)
		}
		if c.Op == OpSet && c.Count < 0 {
			return fmt.Errorf("set count must not be negative, got %d", c.Count)
		}
		return nil
	default:
		return fmt.Errorf("unknown control op %q", c.Op)
	}
}

// Applies reports whether the command targets detectors of granularity g.
func (c Control) Applies(g models.Granularity) bool {
	return c.Granularity == "" || c.Granularity == g
}
