package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/pkg/logger"
)

func testProfiles() []connector.Profile {
	return []connector.Profile{
		{
			ID:       "olumie",
			TenantID: "tenant-1",
			ClientID: "client-1",
			Scopes:   []string{"Mail.ReadWrite", "Calendars.Read"},
		},
		{ID: "everest"},
	}
}

func newTestService(t *testing.T, loginBase, graphBase string) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	log := logger.NewNop()
	svc := New(Config{
		Profiles:  testProfiles(),
		Tokens:    store,
		LoginBase: loginBase,
		GraphBase: graphBase,
	}, auditlog.New(store, log), log)
	return svc, store
}

// fakeLogin simulates the device-code and token endpoints. The token
// endpoint answers authorization_pending until approve is flipped.
func fakeLogin(t *testing.T, approve *atomic.Bool, tokenError string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tenant-1/oauth2/v2.0/devicecode":
			json.NewEncoder(w).Encode(map[string]any{
				"device_code":      "dev-123",
				"user_code":        "ABCD-1234",
				"verification_uri": "https://example.test/device",
				"expires_in":       900,
				"interval":         5,
			})
		case "/tenant-1/oauth2/v2.0/token":
			if tokenError != "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{
					"error":             tokenError,
					"error_description": "AADSTS50020: user account does not exist in tenant",
				})
				return
			}
			if !approve.Load() {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "granted-token",
				"expires_in":   3600,
				"scope":        "Mail.ReadWrite Calendars.Read",
				"token_type":   "Bearer",
			})
		default:
			t.Errorf("unexpected login path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestDeviceCodeFlowToConnected(t *testing.T) {
	var approve atomic.Bool
	login := fakeLogin(t, &approve, "")
	defer login.Close()

	svc, _ := newTestService(t, login.URL, "")
	ctx := context.Background()

	prompt, err := svc.StartDeviceCode(ctx, "olumie")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if prompt.UserCode != "ABCD-1234" || prompt.Interval != 5 {
		t.Fatalf("unexpected prompt: %+v", prompt)
	}

	status, err := svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StatePending {
		t.Fatalf("expected PENDING, got %s", status.AuthState)
	}

	result, err := svc.PollDeviceCode(ctx, "olumie")
	if err != nil {
		t.Fatalf("poll pending: %v", err)
	}
	if result.AuthState != connector.StatePending || result.Detail != "authorization_pending" {
		t.Fatalf("expected pending result, got %+v", result)
	}

	approve.Store(true)
	result, err = svc.PollDeviceCode(ctx, "olumie")
	if err != nil {
		t.Fatalf("poll approved: %v", err)
	}
	if result.AuthState != connector.StateConnected || result.ExpiresAt == nil {
		t.Fatalf("expected CONNECTED, got %+v", result)
	}

	status, err = svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status after connect: %v", err)
	}
	if status.AuthState != connector.StateConnected {
		t.Fatalf("expected CONNECTED status, got %s", status.AuthState)
	}

	// Polling again without a pending flow fails cleanly.
	if _, err := svc.PollDeviceCode(ctx, "olumie"); !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("expected ErrNoPendingAuth, got %v", err)
	}
}

func TestDeviceCodeTerminalFailure(t *testing.T) {
	var approve atomic.Bool
	login := fakeLogin(t, &approve, "invalid_grant")
	defer login.Close()

	svc, _ := newTestService(t, login.URL, "")
	ctx := context.Background()

	if _, err := svc.StartDeviceCode(ctx, "olumie"); err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := svc.PollDeviceCode(ctx, "olumie")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.AuthState != connector.StateFailed {
		t.Fatalf("expected FAILED, got %+v", result)
	}

	status, err := svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StateFailed {
		t.Fatalf("expected FAILED status, got %s", status.AuthState)
	}
	if status.LastError == nil || status.LastError.Category != CategoryTenantMembership {
		t.Fatalf("expected tenant membership diagnosis, got %+v", status.LastError)
	}
}

func TestStatusStateDerivation(t *testing.T) {
	svc, store := newTestService(t, "http://unused.test", "")
	ctx := context.Background()

	// Missing tenant/client ids.
	status, err := svc.Status(ctx, "everest")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StateUnconfigured || status.Configured {
		t.Fatalf("expected UNCONFIGURED, got %+v", status)
	}

	// Configured but no token.
	status, err = svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", status.AuthState)
	}

	// Expired token counts as disconnected.
	expired := connector.Token{
		AccessToken: "stale",
		ExpiresIn:   60,
		StoredAt:    time.Now().UTC().Add(-time.Hour),
	}
	if err := store.PutToken(ctx, "olumie", expired); err != nil {
		t.Fatalf("put token: %v", err)
	}
	status, err = svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StateDisconnected {
		t.Fatalf("expected DISCONNECTED for expired token, got %s", status.AuthState)
	}

	if _, err := svc.Status(ctx, "ghost"); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestRevokeClearsToken(t *testing.T) {
	svc, store := newTestService(t, "http://unused.test", "")
	ctx := context.Background()

	tok := connector.Token{AccessToken: "live", ExpiresIn: 3600, StoredAt: time.Now().UTC()}
	if err := store.PutToken(ctx, "olumie", tok); err != nil {
		t.Fatalf("put token: %v", err)
	}

	if err := svc.Revoke(ctx, "olumie"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	status, err := svc.Status(ctx, "olumie")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.AuthState != connector.StateDisconnected {
		t.Fatalf("expected DISCONNECTED after revoke, got %s", status.AuthState)
	}
}
