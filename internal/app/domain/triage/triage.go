// Package triage models the triage inbox: items ingested once, optionally
// carrying routing suggestions, and resolved exactly once by linking them to
// a deal or task.
package triage

import (
	"encoding/json"
	"time"
)

// Record types appended to the triage ledger stream.
const (
	EventOpen = "OPEN"
	EventLink = "LINK"
)

// Item is a triage inbox entry.
type Item struct {
	ItemID          string    `json:"item_id"`
	SourceType      string    `json:"source_type"`
	SourceRef       string    `json:"source_ref"`
	Summary         string    `json:"summary"`
	SuggestedDealID string    `json:"suggested_deal_id,omitempty"`
	SuggestedTaskID string    `json:"suggested_task_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event is one triage ledger record. OPEN events carry the full item;
// LINK events carry the resolution target.
type Event struct {
	Type   string    `json:"type"`
	ItemID string    `json:"item_id"`
	Item   *Item     `json:"item,omitempty"`
	DealID string    `json:"deal_id,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	At     time.Time `json:"at"`
}

// Resolution records how an item left the inbox.
type Resolution struct {
	DealID     string    `json:"deal_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// State is the fold of a triage stream: items in ingestion order plus their
// resolution, if any.
type State struct {
	order    []string
	items    map[string]Item
	resolved map[string]Resolution
}

// Fold replays raw ledger records into triage state. Records that fail to
// unmarshal or reference unknown event types are skipped; replay never
// aborts on a bad line.
func Fold(records [][]byte) State {
	st := State{
		items:    make(map[string]Item),
		resolved: make(map[string]Resolution),
	}
	for _, raw := range records {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case EventOpen:
			if ev.Item == nil || ev.Item.ItemID == "" {
				continue
			}
			if _, seen := st.items[ev.Item.ItemID]; !seen {
				st.order = append(st.order, ev.Item.ItemID)
			}
			st.items[ev.Item.ItemID] = *ev.Item
		case EventLink:
			if ev.ItemID == "" {
				continue
			}
			if _, seen := st.items[ev.ItemID]; !seen {
				continue
			}
			st.resolved[ev.ItemID] = Resolution{DealID: ev.DealID, TaskID: ev.TaskID, ResolvedAt: ev.At}
		}
	}
	return st
}

// Known reports whether the id has ever been ingested, open or resolved.
func (s State) Known(itemID string) bool {
	_, ok := s.items[itemID]
	return ok
}

// Item returns the item by id.
func (s State) Item(itemID string) (Item, bool) {
	it, ok := s.items[itemID]
	return it, ok
}

// Resolved returns the resolution for an item, if it has one.
func (s State) Resolved(itemID string) (Resolution, bool) {
	res, ok := s.resolved[itemID]
	return res, ok
}

// Open returns unresolved items in original ingestion order.
func (s State) Open() []Item {
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		if _, done := s.resolved[id]; done {
			continue
		}
		out = append(out, s.items[id])
	}
	return out
}
