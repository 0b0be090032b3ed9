// Package connector models per-profile integration state for the external
// directory/mail/calendar provider: delegated credentials, the device-code
// auth lifecycle, and diagnostics classification results.
package connector

import "time"

// Auth states reported by profile status.
const (
	StateUnconfigured = "UNCONFIGURED"
	StatePending      = "PENDING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
	StateFailed       = "FAILED"
)

// Profile is the static configuration of one integration profile.
type Profile struct {
	ID       string   `json:"profile_id" yaml:"profile_id"`
	TenantID string   `json:"tenant_id" yaml:"tenant_id"`
	ClientID string   `json:"client_id" yaml:"client_id"`
	Scopes   []string `json:"scopes" yaml:"scopes"`
}

// Configured reports whether the profile carries everything the device-code
// flow needs.
func (p Profile) Configured() bool {
	return p.TenantID != "" && p.ClientID != "" && len(p.Scopes) > 0
}

// Token is a stored delegated credential. It is written only by a successful
// device-code poll and destroyed by revoke.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	Scope       string    `json:"scope,omitempty"`
	TokenType   string    `json:"token_type,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// ExpiresAt computes the credential expiry from issuance time.
func (t Token) ExpiresAt() time.Time {
	return t.StoredAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Usable reports whether the token exists and is unexpired at now.
func (t Token) Usable(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt())
}

// Diagnosis is the classification of an upstream auth error.
type Diagnosis struct {
	Category    string   `json:"category"`
	Confidence  string   `json:"confidence"`
	NextActions []string `json:"next_actions"`
}
