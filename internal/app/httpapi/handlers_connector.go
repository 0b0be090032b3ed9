package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	connectorsvc "github.com/opsdeck/sidecar/internal/app/services/connector"
)

// writeConnectorError maps connector failures: missing auth surfaces as a
// 409 block telling the operator to re-run the device-code flow, upstream
// failures as 502 with the provider's code.
func writeConnectorError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, connectorsvc.ErrNotAuthenticated) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"blocked":        true,
			"reason_code":    "NOT_AUTHENTICATED",
			"blocked_action": action,
			"next_safe_step": "RUN_DEVICE_CODE_AUTH",
		})
		return
	}
	var up *connectorsvc.UpstreamError
	if errors.As(err, &up) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":           up.Error(),
			"upstream_status": up.StatusCode,
			"upstream_code":   up.Code,
		})
		return
	}
	switch {
	case errors.Is(err, connectorsvc.ErrUnknownProfile),
		errors.Is(err, connectorsvc.ErrNotConfigured),
		errors.Is(err, connectorsvc.ErrNoPendingAuth),
		errors.Is(err, connectorsvc.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) graphStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Connector.Status(r.Context(), mux.Vars(r)["profile"])
	if err != nil {
		writeConnectorError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) graphDeviceStart(w http.ResponseWriter, r *http.Request) {
	prompt, err := h.app.Connector.StartDeviceCode(r.Context(), mux.Vars(r)["profile"])
	if err != nil {
		writeConnectorError(w, "device_code_start", err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

func (h *handler) graphDevicePoll(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Connector.PollDeviceCode(r.Context(), mux.Vars(r)["profile"])
	if err != nil {
		writeConnectorError(w, "device_code_poll", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) graphRevoke(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Connector.Revoke(r.Context(), mux.Vars(r)["profile"]); err != nil {
		writeConnectorError(w, "revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *handler) graphDraftCreate(w http.ResponseWriter, r *http.Request) {
	var payload connectorsvc.DraftRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	draft, err := h.app.Connector.CreateDraft(r.Context(), mux.Vars(r)["profile"], payload)
	if err != nil {
		writeConnectorError(w, "mail_draft_create", err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

func (h *handler) graphCalendarList(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 90 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("days must be between 1 and 90"))
			return
		}
		days = parsed
	}

	from := time.Now().UTC()
	to := from.AddDate(0, 0, days)
	events, err := h.app.Connector.ListCalendar(r.Context(), mux.Vars(r)["profile"], from, to)
	if err != nil {
		writeConnectorError(w, "calendar_list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "days": days})
}

func (h *handler) graphDiagnostics(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ErrorText string `json:"error_text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ErrorText == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("error_text is required"))
		return
	}
	writeJSON(w, http.StatusOK, connectorsvc.Classify(payload.ErrorText))
}
