package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/opsdeck/sidecar/internal/app"
	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/pkg/logger"
)

const testOperatorKey = "test-operator-key"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{
		Profiles: []connector.Profile{{ID: "olumie", TenantID: "t", ClientID: "c", Scopes: []string{"User.Read"}}},
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	return NewHandler(application, Options{OperatorKey: testOperatorKey, Log: logger.NewNop()})
}

func marshal(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(raw)
}

func authedRequest(t *testing.T, method, path string, body *bytes.Reader) *http.Request {
	t.Helper()
	if body == nil {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Operator-Key", testOperatorKey)
	return req
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestHandlerLifecycle(t *testing.T) {
	h := newTestHandler(t)

	// Create a deal.
	resp := do(t, h, authedRequest(t, http.MethodPost, "/deals/create", marshal(t, map[string]any{
		"deal_id": "acme-2026", "deal_name": "Acme", "entity": "olumie",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("create deal: expected 200, got %d: %s", resp.Code, resp.Body)
	}

	// Duplicate deal conflicts.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/deals/create", marshal(t, map[string]any{
		"deal_id": "acme-2026",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate deal: expected 409, got %d", resp.Code)
	}

	// Ingest a triage item.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/ingest", marshal(t, map[string]any{
		"item_id": "msg-1", "source_type": "email", "source_ref": "jane@acme.com", "summary": "intro",
	})))
	if resp.Code != http.StatusCreated {
		t.Fatalf("ingest: expected 201, got %d: %s", resp.Code, resp.Body)
	}

	// Duplicate ingest conflicts.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/ingest", marshal(t, map[string]any{
		"item_id": "msg-1", "source_type": "email", "source_ref": "jane@acme.com", "summary": "intro",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate ingest: expected 409, got %d", resp.Code)
	}

	// Link to the deal, then confirm one-shot.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/msg-1/link", marshal(t, map[string]any{
		"deal_id": "acme-2026",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("link: expected 200, got %d: %s", resp.Code, resp.Body)
	}
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/msg-1/link", marshal(t, map[string]any{
		"deal_id": "acme-2026",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("second link: expected 409, got %d", resp.Code)
	}

	// Linking against a missing deal is a validation failure.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/ingest", marshal(t, map[string]any{
		"item_id": "msg-2", "source_type": "email", "source_ref": "a@b.com", "summary": "s",
	})))
	if resp.Code != http.StatusCreated {
		t.Fatalf("ingest msg-2: expected 201, got %d", resp.Code)
	}
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/msg-2/link", marshal(t, map[string]any{
		"deal_id": "ghost",
	})))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("link to ghost deal: expected 400, got %d", resp.Code)
	}

	// Unknown item is 404.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/never/link", marshal(t, map[string]any{
		"task_id": "task-1",
	})))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("link unknown item: expected 404, got %d", resp.Code)
	}

	// Open list shows only msg-2.
	resp = do(t, h, authedRequest(t, http.MethodGet, "/triage/list", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("triage list: expected 200, got %d", resp.Code)
	}
	var open []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &open); err != nil {
		t.Fatalf("unmarshal open items: %v", err)
	}
	if len(open) != 1 || open[0]["item_id"] != "msg-2" {
		t.Fatalf("unexpected open items: %v", open)
	}
}

func TestHandlerPatternLifecycle(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, authedRequest(t, http.MethodPost, "/triage/patterns/propose", marshal(t, map[string]any{
		"pattern_type": "SENDER_DOMAIN_TO_DEAL",
		"match":        map[string]string{"domain": "acme.com"},
		"suggest":      map[string]string{"deal_id": "acme-2026"},
	})))
	if resp.Code != http.StatusCreated {
		t.Fatalf("propose: expected 201, got %d: %s", resp.Code, resp.Body)
	}
	var proposed map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &proposed); err != nil {
		t.Fatalf("unmarshal pattern: %v", err)
	}
	id := proposed["pattern_id"].(string)

	resp = do(t, h, authedRequest(t, http.MethodPost, fmt.Sprintf("/triage/patterns/%s/approve", id), marshal(t, map[string]any{
		"approved_by": "operator",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", resp.Code, resp.Body)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, fmt.Sprintf("/triage/patterns/%s/approve", id), marshal(t, map[string]any{
		"approved_by": "operator",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("second approve: expected 409, got %d", resp.Code)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/triage/patterns/ghost/approve", marshal(t, map[string]any{
		"approved_by": "operator",
	})))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("approve unknown: expected 404, got %d", resp.Code)
	}
}

func TestHandlerGovernanceBlockShape(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, authedRequest(t, http.MethodPost, "/governance/hard-bans/check", marshal(t, map[string]any{
		"hard_bans":      []string{"wire transfer"},
		"candidate_text": "initiate the wire transfer now",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 block, got %d: %s", resp.Code, resp.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if body["blocked"] != true || body["reason_code"] != "HARD_BAN_MATCH" {
		t.Fatalf("unexpected block body: %v", body)
	}
	if body["next_safe_step"] == "" {
		t.Fatal("expected next_safe_step")
	}

	// Clean text passes.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/governance/hard-bans/check", marshal(t, map[string]any{
		"hard_bans":      []string{"wire transfer"},
		"candidate_text": "summarize the meeting",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 allow, got %d", resp.Code)
	}
}

func TestHandlerOpsFlow(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, authedRequest(t, http.MethodPost, "/ops/pause", marshal(t, map[string]any{
		"reason": "quota spike",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", resp.Code, resp.Body)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/ops/dispatch/check", marshal(t, map[string]any{
		"priority": "LOW",
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("dispatch while paused: expected 409, got %d", resp.Code)
	}
	var block map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &block); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if block["reason_code"] != "AUTOMATION_PAUSED" {
		t.Fatalf("unexpected block: %v", block)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/ops/dispatch/check", marshal(t, map[string]any{
		"priority": "CRITICAL",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("critical dispatch: expected 200, got %d", resp.Code)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/ops/resume", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", resp.Code)
	}
	var summary map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary["queued_non_critical"] != float64(1) {
		t.Fatalf("expected 1 queued, got %v", summary["queued_non_critical"])
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/ops/resume", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("second resume: expected 409, got %d", resp.Code)
	}

	resp = do(t, h, authedRequest(t, http.MethodPost, "/ops/rate/evaluate", marshal(t, map[string]any{
		"quota_percent": 85.0, "priority": "MEDIUM",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("rate evaluate: expected 200, got %d", resp.Code)
	}
	var rate map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &rate); err != nil {
		t.Fatalf("unmarshal rate: %v", err)
	}
	if rate["action"] != "DEFER" {
		t.Fatalf("expected DEFER, got %v", rate["action"])
	}
}

func TestHandlerAuth(t *testing.T) {
	h := newTestHandler(t)

	// Status is open.
	resp := do(t, h, httptest.NewRequest(http.MethodGet, "/status", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.Code)
	}

	// Everything else requires credentials.
	resp = do(t, h, httptest.NewRequest(http.MethodGet, "/deals/list", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: expected 401, got %d", resp.Code)
	}

	// Session exchange mints a usable bearer token.
	resp = do(t, h, httptest.NewRequest(http.MethodPost, "/auth/session",
		bytes.NewReader([]byte(`{"operator_key":"`+testOperatorKey+`"}`))))
	if resp.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d: %s", resp.Code, resp.Body)
	}
	var session map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	token, _ := session["token"].(string)
	if token == "" {
		t.Fatal("expected session token")
	}

	req := httptest.NewRequest(http.MethodGet, "/deals/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = do(t, h, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("jwt-authed list: expected 200, got %d", resp.Code)
	}

	// Wrong key is rejected.
	resp = do(t, h, httptest.NewRequest(http.MethodPost, "/auth/session",
		bytes.NewReader([]byte(`{"operator_key":"wrong"}`))))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("bad session key: expected 401, got %d", resp.Code)
	}
}

func TestHandlerDraftValidation(t *testing.T) {
	h := newTestHandler(t)

	// A blank subject is a validation failure, not a server error.
	resp := do(t, h, authedRequest(t, http.MethodPost, "/graph/olumie/mail/draft/create", marshal(t, map[string]any{
		"subject": "   ", "body": "hi", "to": []string{"jane@acme.com"},
	})))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("blank subject: expected 400, got %d: %s", resp.Code, resp.Body)
	}

	// A valid draft without a stored token blocks with the re-auth step.
	resp = do(t, h, authedRequest(t, http.MethodPost, "/graph/olumie/mail/draft/create", marshal(t, map[string]any{
		"subject": "intro", "body": "hi", "to": []string{"jane@acme.com"},
	})))
	if resp.Code != http.StatusConflict {
		t.Fatalf("draft without token: expected 409, got %d: %s", resp.Code, resp.Body)
	}
	var block map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &block); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if block["reason_code"] != "NOT_AUTHENTICATED" || block["next_safe_step"] != "RUN_DEVICE_CODE_AUTH" {
		t.Fatalf("unexpected block body: %v", block)
	}
}

func TestHandlerDiagnosticsAndAuditRing(t *testing.T) {
	h := newTestHandler(t)

	resp := do(t, h, authedRequest(t, http.MethodPost, "/graph/diagnostics/classify", marshal(t, map[string]any{
		"error_text": "AADSTS53003: blocked by conditional access",
	})))
	if resp.Code != http.StatusOK {
		t.Fatalf("classify: expected 200, got %d", resp.Code)
	}
	var diag map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &diag); err != nil {
		t.Fatalf("unmarshal diagnosis: %v", err)
	}
	if diag["category"] != "CONDITIONAL_ACCESS" {
		t.Fatalf("unexpected category %v", diag["category"])
	}

	// Unknown connector profile is a validation failure.
	resp = do(t, h, authedRequest(t, http.MethodGet, "/graph/ghost/status", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown profile: expected 400, got %d", resp.Code)
	}

	// The request ring saw everything above.
	resp = do(t, h, authedRequest(t, http.MethodGet, "/audit/recent", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("audit recent: expected 200, got %d", resp.Code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal audit entries: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected audit entries, got %d", len(entries))
	}
}
