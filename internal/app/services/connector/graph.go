package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsdeck/sidecar/internal/app/metrics"
)

// DraftRequest describes a mail draft to create. Drafts are never sent from
// here; the operator reviews and sends from their own client.
type DraftRequest struct {
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	To      []string `json:"to"`
}

// Draft is the created draft's identity in the provider mailbox.
type Draft struct {
	ProfileID string `json:"profile_id"`
	DraftID   string `json:"draft_id"`
	WebLink   string `json:"web_link,omitempty"`
}

// CalendarEvent is one entry from the profile's calendar view.
type CalendarEvent struct {
	EventID  string `json:"event_id"`
	Subject  string `json:"subject"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
}

// CreateDraft creates a draft message in the profile's mailbox using the
// stored token.
func (s *Service) CreateDraft(ctx context.Context, profileID string, req DraftRequest) (Draft, error) {
	p, err := s.profile(profileID)
	if err != nil {
		return Draft{}, err
	}
	if strings.TrimSpace(req.Subject) == "" {
		return Draft{}, fmt.Errorf("subject is required: %w", ErrInvalidRequest)
	}
	tok, err := s.usableToken(ctx, p)
	if err != nil {
		return Draft{}, err
	}

	recipients := make([]map[string]any, 0, len(req.To))
	for _, addr := range req.To {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		recipients = append(recipients, map[string]any{
			"emailAddress": map[string]string{"address": addr},
		})
	}
	payload := map[string]any{
		"subject": req.Subject,
		"body": map[string]string{
			"contentType": "Text",
			"content":     req.Body,
		},
		"toRecipients": recipients,
	}

	var created struct {
		ID      string `json:"id"`
		WebLink string `json:"webLink"`
	}
	if err := s.graphCall(ctx, tok.AccessToken, http.MethodPost, "/me/messages", payload, &created); err != nil {
		s.noteGraphFailure(p.ID, err)
		return Draft{}, err
	}

	s.audit.Record(ctx, "connector_draft_created", map[string]any{
		"profile_id": p.ID,
		"draft_id":   created.ID,
	})
	s.log.WithField("profile_id", p.ID).WithField("draft_id", created.ID).Info("mail draft created")

	return Draft{ProfileID: p.ID, DraftID: created.ID, WebLink: created.WebLink}, nil
}

// ListCalendar returns the profile's calendar entries in [from, to).
func (s *Service) ListCalendar(ctx context.Context, profileID string, from, to time.Time) ([]CalendarEvent, error) {
	p, err := s.profile(profileID)
	if err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("calendar window start must precede end: %w", ErrInvalidRequest)
	}
	tok, err := s.usableToken(ctx, p)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"startDateTime": {from.UTC().Format(time.RFC3339)},
		"endDateTime":   {to.UTC().Format(time.RFC3339)},
	}
	var view struct {
		Value []struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
			Start   struct {
				DateTime string `json:"dateTime"`
			} `json:"start"`
			End struct {
				DateTime string `json:"dateTime"`
			} `json:"end"`
			Location struct {
				DisplayName string `json:"displayName"`
			} `json:"location"`
		} `json:"value"`
	}
	if err := s.graphCall(ctx, tok.AccessToken, http.MethodGet, "/me/calendarview?"+q.Encode(), nil, &view); err != nil {
		s.noteGraphFailure(p.ID, err)
		return nil, err
	}

	events := make([]CalendarEvent, 0, len(view.Value))
	for _, v := range view.Value {
		events = append(events, CalendarEvent{
			EventID:  v.ID,
			Subject:  v.Subject,
			Start:    v.Start.DateTime,
			End:      v.End.DateTime,
			Location: v.Location.DisplayName,
		})
	}
	return events, nil
}

// graphCall issues one authenticated provider call. A 401 or 403 answer is
// reported as ErrNotAuthenticated so the caller can prompt a re-auth instead
// of retrying.
func (s *Service) graphCall(ctx context.Context, accessToken, method, path string, payload, out any) (err error) {
	op := method + " " + strings.SplitN(path, "?", 2)[0]
	defer func() { metrics.RecordUpstreamCall(op, err == nil) }()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.graphBase+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &UpstreamError{Operation: method + " " + path, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &UpstreamError{Operation: method + " " + path, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("provider rejected token (%d): %w", resp.StatusCode, ErrNotAuthenticated)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var upstream struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &upstream)
		return &UpstreamError{
			Operation:  method + " " + path,
			StatusCode: resp.StatusCode,
			Code:       upstream.Error.Code,
			Message:    upstream.Error.Message,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &UpstreamError{Operation: method + " " + path, StatusCode: resp.StatusCode, Message: "malformed response body"}
		}
	}
	return nil
}

func (s *Service) noteGraphFailure(profileID string, err error) {
	var up *UpstreamError
	if errors.As(err, &up) {
		s.cacheLastError(profileID, up.Code+" "+up.Message)
	}
}
