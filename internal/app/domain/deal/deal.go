package deal

import "time"

// Deal is a whole-record business entity persisted as a single JSON document.
// Deals are created once and never mutated in place by the sidecar.
type Deal struct {
	DealID    string    `json:"deal_id"`
	DealName  string    `json:"deal_name,omitempty"`
	Entity    string    `json:"entity,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
