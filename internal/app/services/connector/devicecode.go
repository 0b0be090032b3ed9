package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/metrics"
)

// DeviceCodePrompt is what the operator needs to complete sign-in in a
// browser on another device.
type DeviceCodePrompt struct {
	ProfileID       string `json:"profile_id"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message,omitempty"`
}

// PollResult reports one polling attempt against the token endpoint.
type PollResult struct {
	ProfileID string     `json:"profile_id"`
	AuthState string     `json:"auth_state"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// StartDeviceCode begins a device-code flow for the profile and caches the
// returned code for subsequent polls. Starting again replaces any earlier
// in-flight flow.
func (s *Service) StartDeviceCode(ctx context.Context, profileID string) (DeviceCodePrompt, error) {
	p, err := s.profile(profileID)
	if err != nil {
		return DeviceCodePrompt{}, err
	}
	if !p.Configured() {
		return DeviceCodePrompt{}, fmt.Errorf("profile %s: %w", p.ID, ErrNotConfigured)
	}

	form := url.Values{
		"client_id": {p.ClientID},
		"scope":     {strings.Join(p.Scopes, " ")},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", s.loginBase, p.TenantID)

	var resp deviceCodeResponse
	if err := s.postForm(ctx, "device code request", endpoint, form, &resp); err != nil {
		return DeviceCodePrompt{}, err
	}
	if resp.DeviceCode == "" || resp.UserCode == "" {
		return DeviceCodePrompt{}, &UpstreamError{
			Operation:  "device code request",
			StatusCode: http.StatusOK,
			Message:    "response is missing device_code or user_code",
		}
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = 5
	}

	s.mu.Lock()
	s.pending[p.ID] = &pendingAuth{
		deviceCode: resp.DeviceCode,
		expiresAt:  s.now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
		interval:   interval,
	}
	delete(s.lastError, p.ID)
	s.mu.Unlock()

	s.audit.Record(ctx, "connector_device_code_start", map[string]any{"profile_id": p.ID})
	s.log.WithField("profile_id", p.ID).Info("device-code flow started")

	return DeviceCodePrompt{
		ProfileID:       p.ID,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresIn:       resp.ExpiresIn,
		Interval:        interval,
		Message:         resp.Message,
	}, nil
}

// PollDeviceCode asks the token endpoint whether the operator has completed
// sign-in. authorization_pending and slow_down keep the flow PENDING; a
// token response stores the token and moves the profile to CONNECTED; any
// terminal error fails the flow with a classified diagnosis.
func (s *Service) PollDeviceCode(ctx context.Context, profileID string) (PollResult, error) {
	p, err := s.profile(profileID)
	if err != nil {
		return PollResult{}, err
	}

	s.mu.Lock()
	pend, ok := s.pending[p.ID]
	s.mu.Unlock()
	if !ok {
		return PollResult{}, fmt.Errorf("profile %s: %w", p.ID, ErrNoPendingAuth)
	}
	if s.now().UTC().After(pend.expiresAt) {
		s.mu.Lock()
		delete(s.pending, p.ID)
		s.mu.Unlock()
		return PollResult{}, fmt.Errorf("profile %s device code expired: %w", p.ID, ErrNoPendingAuth)
	}

	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {p.ClientID},
		"device_code": {pend.deviceCode},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.loginBase, p.TenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PollResult{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordUpstreamCall("token poll", false)
		return PollResult{}, &UpstreamError{Operation: "token poll", Message: err.Error()}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		metrics.RecordUpstreamCall("token poll", false)
		return PollResult{}, &UpstreamError{Operation: "token poll", StatusCode: httpResp.StatusCode, Message: err.Error()}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		metrics.RecordUpstreamCall("token poll", false)
		return PollResult{}, &UpstreamError{Operation: "token poll", StatusCode: httpResp.StatusCode, Message: "malformed token response"}
	}
	metrics.RecordUpstreamCall("token poll", true)

	if tok.AccessToken != "" {
		stored := connector.Token{
			AccessToken: tok.AccessToken,
			ExpiresIn:   tok.ExpiresIn,
			Scope:       tok.Scope,
			TokenType:   tok.TokenType,
			StoredAt:    s.now().UTC(),
		}
		if err := s.tokens.PutToken(ctx, p.ID, stored); err != nil {
			return PollResult{}, fmt.Errorf("store token: %w", err)
		}
		s.mu.Lock()
		delete(s.pending, p.ID)
		delete(s.lastError, p.ID)
		s.mu.Unlock()

		s.audit.Record(ctx, "connector_connected", map[string]any{"profile_id": p.ID})
		s.log.WithField("profile_id", p.ID).Info("device-code flow completed")

		expires := stored.ExpiresAt()
		return PollResult{ProfileID: p.ID, AuthState: connector.StateConnected, ExpiresAt: &expires}, nil
	}

	switch tok.Error {
	case "authorization_pending", "slow_down":
		return PollResult{ProfileID: p.ID, AuthState: connector.StatePending, Detail: tok.Error}, nil
	}

	// Terminal failure. Keep the diagnosis so status can explain it.
	s.mu.Lock()
	pend.failed = true
	s.mu.Unlock()
	diag := s.cacheLastError(p.ID, tok.Error+" "+tok.ErrorDescription)

	s.audit.Record(ctx, "connector_auth_failed", map[string]any{
		"profile_id": p.ID,
		"error":      tok.Error,
		"category":   diag.Category,
	})
	s.log.WithField("profile_id", p.ID).WithField("error", tok.Error).Warn("device-code flow failed")

	return PollResult{ProfileID: p.ID, AuthState: connector.StateFailed, Detail: tok.Error}, nil
}

// postForm issues a form-encoded POST and decodes a JSON response, turning
// any non-2xx answer into an UpstreamError.
func (s *Service) postForm(ctx context.Context, operation, endpoint string, form url.Values, out any) (err error) {
	defer func() { metrics.RecordUpstreamCall(operation, err == nil) }()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return &UpstreamError{Operation: operation, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var upstream struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &upstream)
		return &UpstreamError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Code:       upstream.Error,
			Message:    upstream.ErrorDescription,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	return nil
}
