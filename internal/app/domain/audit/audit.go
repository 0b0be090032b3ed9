// Package audit defines the write-only operator-visibility event record.
// Audit events are appended, never replayed into mutable state.
package audit

import "time"

// Event is one audit ledger record.
type Event struct {
	Action  string         `json:"action"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}
