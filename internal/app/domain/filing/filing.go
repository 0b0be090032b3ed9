// Package filing models document-filing recommendations with the same
// propose/approve lifecycle as routing patterns.
package filing

import (
	"encoding/json"
	"time"
)

// Lifecycle states.
const (
	StatusProposed = "PROPOSED"
	StatusApproved = "APPROVED"
)

// Suggestion recommends filing a document under a path, anchored to a deal
// or a triage item (at least one).
type Suggestion struct {
	SuggestionID  string     `json:"suggestion_id"`
	SourceType    string     `json:"source_type"`
	SourceRef     string     `json:"source_ref"`
	DealID        string     `json:"deal_id,omitempty"`
	TriageItemID  string     `json:"triage_item_id,omitempty"`
	SuggestedPath string     `json:"suggested_path"`
	Rationale     string     `json:"rationale,omitempty"`
	Status        string     `json:"status"`
	ProposedAt    time.Time  `json:"proposed_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
}

// Event is one filing ledger record.
type Event struct {
	Type       string     `json:"type"`
	Suggestion Suggestion `json:"suggestion"`
	At         time.Time  `json:"at"`
}

// State is the fold of a filing stream keyed by suggestion id.
type State struct {
	order       []string
	suggestions map[string]Suggestion
}

// Fold replays raw filing records, skipping malformed lines.
func Fold(records [][]byte) State {
	st := State{suggestions: make(map[string]Suggestion)}
	for _, raw := range records {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		s := ev.Suggestion
		if s.SuggestionID == "" {
			continue
		}
		switch ev.Type {
		case StatusProposed, StatusApproved:
			if _, seen := st.suggestions[s.SuggestionID]; !seen {
				st.order = append(st.order, s.SuggestionID)
			}
			st.suggestions[s.SuggestionID] = s
		}
	}
	return st
}

// Get returns the current record for a suggestion id.
func (s State) Get(id string) (Suggestion, bool) {
	sg, ok := s.suggestions[id]
	return sg, ok
}

// All returns every suggestion in first-seen order.
func (s State) All() []Suggestion {
	out := make([]Suggestion, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.suggestions[id])
	}
	return out
}
