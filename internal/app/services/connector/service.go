// Package connector drives the per-profile OAuth device-code lifecycle
// against the directory/mail/calendar provider, plus the authenticated
// draft-mail and calendar calls and upstream-error diagnostics.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Default upstream endpoints. Overridable for tests.
const (
	DefaultLoginBase = "https://login.microsoftonline.com"
	DefaultGraphBase = "https://graph.microsoft.com/v1.0"
)

// defaultTimeout bounds every outbound call so a slow upstream only delays
// the single request that issued it.
const defaultTimeout = 15 * time.Second

// Errors surfaced to the HTTP boundary.
var (
	ErrUnknownProfile   = errors.New("unknown integration profile")
	ErrNotConfigured    = errors.New("profile is not configured")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoPendingAuth    = errors.New("no device-code flow in progress")
	ErrInvalidRequest   = errors.New("invalid request")
)

// UpstreamError reports a failed provider call.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream %d %s: %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

// pendingAuth tracks an in-flight device-code flow for one profile.
type pendingAuth struct {
	deviceCode string
	expiresAt  time.Time
	interval   int
	failed     bool
}

// Config wires the connector service.
type Config struct {
	Profiles  []connector.Profile
	Tokens    storage.TokenStore
	Client    *http.Client
	LoginBase string
	GraphBase string
}

// Service owns per-profile auth state. The pending-auth map and the
// last-error cache are guarded by a single mutex; no lock is held while an
// outbound call is in flight.
type Service struct {
	profiles  map[string]connector.Profile
	order     []string
	tokens    storage.TokenStore
	client    *http.Client
	loginBase string
	graphBase string
	audit     *auditlog.Recorder
	log       *logger.Logger

	mu        sync.Mutex
	pending   map[string]*pendingAuth
	lastError map[string]connector.Diagnosis

	now func() time.Time
}

// New creates a configured connector service.
func New(cfg Config, audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("connector")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	loginBase := strings.TrimRight(cfg.LoginBase, "/")
	if loginBase == "" {
		loginBase = DefaultLoginBase
	}
	graphBase := strings.TrimRight(cfg.GraphBase, "/")
	if graphBase == "" {
		graphBase = DefaultGraphBase
	}

	s := &Service{
		profiles:  make(map[string]connector.Profile, len(cfg.Profiles)),
		tokens:    cfg.Tokens,
		client:    client,
		loginBase: loginBase,
		graphBase: graphBase,
		audit:     audit,
		log:       log,
		pending:   make(map[string]*pendingAuth),
		lastError: make(map[string]connector.Diagnosis),
		now:       time.Now,
	}
	for _, p := range cfg.Profiles {
		if _, dup := s.profiles[p.ID]; dup {
			continue
		}
		s.profiles[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

// Profiles returns the configured profile ids in configuration order.
func (s *Service) Profiles() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Service) profile(profileID string) (connector.Profile, error) {
	p, ok := s.profiles[strings.TrimSpace(profileID)]
	if !ok {
		return connector.Profile{}, fmt.Errorf("profile %q: %w", profileID, ErrUnknownProfile)
	}
	return p, nil
}

// Status reports configuration completeness, the derived auth state, and the
// last classified upstream error for one profile.
type Status struct {
	ProfileID  string               `json:"profile_id"`
	Configured bool                 `json:"configured"`
	AuthState  string               `json:"auth_state"`
	Scopes     []string             `json:"scopes,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	LastError  *connector.Diagnosis `json:"last_error,omitempty"`
}

// Status derives the profile's auth state: CONNECTED while the stored token
// is unexpired, PENDING while a device-code flow is outstanding, otherwise
// DISCONNECTED (or UNCONFIGURED/FAILED).
func (s *Service) Status(ctx context.Context, profileID string) (Status, error) {
	p, err := s.profile(profileID)
	if err != nil {
		return Status{}, err
	}

	st := Status{ProfileID: p.ID, Configured: p.Configured(), Scopes: p.Scopes}
	if !st.Configured {
		st.AuthState = connector.StateUnconfigured
		return st, nil
	}

	now := s.now().UTC()
	if tok, err := s.tokens.GetToken(ctx, p.ID); err == nil && tok.Usable(now) {
		expires := tok.ExpiresAt()
		st.AuthState = connector.StateConnected
		st.ExpiresAt = &expires
	} else {
		st.AuthState = connector.StateDisconnected
	}

	s.mu.Lock()
	if pend, ok := s.pending[p.ID]; ok && st.AuthState != connector.StateConnected {
		if pend.failed {
			st.AuthState = connector.StateFailed
		} else if now.Before(pend.expiresAt) {
			st.AuthState = connector.StatePending
		}
	}
	if diag, ok := s.lastError[p.ID]; ok {
		d := diag
		st.LastError = &d
	}
	s.mu.Unlock()

	return st, nil
}

// Revoke deletes the stored token and clears any in-flight flow, returning
// the profile to DISCONNECTED.
func (s *Service) Revoke(ctx context.Context, profileID string) error {
	p, err := s.profile(profileID)
	if err != nil {
		return err
	}
	if err := s.tokens.DeleteToken(ctx, p.ID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, p.ID)
	delete(s.lastError, p.ID)
	s.mu.Unlock()

	s.audit.Record(ctx, "connector_revoke", map[string]any{"profile_id": p.ID})
	s.log.WithField("profile_id", p.ID).Info("integration token revoked")
	return nil
}

// usableToken returns the stored token or ErrNotAuthenticated with the
// classified reason cached for status.
func (s *Service) usableToken(ctx context.Context, p connector.Profile) (connector.Token, error) {
	tok, err := s.tokens.GetToken(ctx, p.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return connector.Token{}, fmt.Errorf("profile %s has no stored token: %w", p.ID, ErrNotAuthenticated)
		}
		return connector.Token{}, err
	}
	if !tok.Usable(s.now().UTC()) {
		return connector.Token{}, fmt.Errorf("profile %s token expired: %w", p.ID, ErrNotAuthenticated)
	}
	return tok, nil
}

func (s *Service) cacheLastError(profileID, errorText string) connector.Diagnosis {
	diag := Classify(errorText)
	s.mu.Lock()
	s.lastError[profileID] = diag
	s.mu.Unlock()
	return diag
}
