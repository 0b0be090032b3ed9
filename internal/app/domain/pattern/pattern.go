// Package pattern models learned routing rules with a propose/approve
// lifecycle. Only approved patterns influence triage suggestions; pattern
// types the triage engine does not understand are stored but inert so the
// vocabulary can grow without breaking replay.
package pattern

import (
	"encoding/json"
	"time"
)

// TypeSenderDomainToDeal is the only pattern type currently consumed by the
// triage engine.
const TypeSenderDomainToDeal = "SENDER_DOMAIN_TO_DEAL"

// Lifecycle states.
const (
	StatusProposed = "PROPOSED"
	StatusApproved = "APPROVED"
)

// Pattern is a routing rule: a match condition mapped to a suggestion.
type Pattern struct {
	PatternID   string            `json:"pattern_id"`
	PatternType string            `json:"pattern_type"`
	Match       map[string]string `json:"match"`
	Suggest     map[string]string `json:"suggest"`
	Notes       string            `json:"notes,omitempty"`
	Status      string            `json:"status"`
	ProposedAt  time.Time         `json:"proposed_at"`
	ApprovedAt  *time.Time        `json:"approved_at,omitempty"`
	ApprovedBy  string            `json:"approved_by,omitempty"`
}

// Event is one pattern ledger record. APPROVED records carry the pattern
// forward so the fold never depends on cross-record joins.
type Event struct {
	Type    string  `json:"type"`
	Pattern Pattern `json:"pattern"`
	At      time.Time `json:"at"`
}

// State is the fold of a pattern stream keyed by pattern id, preserving
// record order for deterministic first-match-wins semantics. Proposal order
// and approval order are tracked separately.
type State struct {
	order         []string
	approvedOrder []string
	patterns      map[string]Pattern
}

// Fold replays raw pattern records; later records override earlier ones for
// the same id and malformed lines are skipped.
func Fold(records [][]byte) State {
	st := State{patterns: make(map[string]Pattern)}
	approved := make(map[string]bool)
	for _, raw := range records {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		p := ev.Pattern
		if p.PatternID == "" {
			continue
		}
		switch ev.Type {
		case StatusProposed, StatusApproved:
			if _, seen := st.patterns[p.PatternID]; !seen {
				st.order = append(st.order, p.PatternID)
			}
			st.patterns[p.PatternID] = p
			if ev.Type == StatusApproved && !approved[p.PatternID] {
				approved[p.PatternID] = true
				st.approvedOrder = append(st.approvedOrder, p.PatternID)
			}
		}
	}
	return st
}

// Get returns the current record for a pattern id.
func (s State) Get(id string) (Pattern, bool) {
	p, ok := s.patterns[id]
	return p, ok
}

// All returns every pattern in first-seen order.
func (s State) All() []Pattern {
	out := make([]Pattern, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.patterns[id])
	}
	return out
}

// Approved returns approved patterns in approval order, so first-match-wins
// resolution favors the earliest approval rather than the earliest proposal.
func (s State) Approved() []Pattern {
	out := make([]Pattern, 0, len(s.approvedOrder))
	for _, id := range s.approvedOrder {
		if p := s.patterns[id]; p.Status == StatusApproved {
			out = append(out, p)
		}
	}
	return out
}
