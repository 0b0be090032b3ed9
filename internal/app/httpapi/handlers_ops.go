package httpapi

import (
	"errors"
	"net/http"

	"github.com/opsdeck/sidecar/internal/app/services/learning"
	opssvc "github.com/opsdeck/sidecar/internal/app/services/ops"
)

func opsStatus(err error) int {
	switch {
	case errors.Is(err, opssvc.ErrAlreadyPaused),
		errors.Is(err, opssvc.ErrNotPaused),
		errors.Is(err, opssvc.ErrPaused):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *handler) opsPause(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := h.app.Ops.Pause(r.Context(), payload.Reason)
	if err != nil {
		writeError(w, opsStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) opsResume(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Ops.Resume(r.Context())
	if err != nil {
		writeError(w, opsStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handler) opsDispatchCheck(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Priority string `json:"priority"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.app.Ops.DispatchCheck(r.Context(), payload.Priority)
	if err != nil {
		if errors.Is(err, opssvc.ErrPaused) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"blocked":        true,
				"reason_code":    "AUTOMATION_PAUSED",
				"blocked_action": "dispatch",
				"next_safe_step": "Wait for resume, or dispatch as CRITICAL if the action truly cannot wait.",
				"details":        decision,
			})
			return
		}
		writeError(w, opsStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *handler) opsRateEvaluate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		QuotaPercent float64 `json:"quota_percent"`
		Priority     string  `json:"priority"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := h.app.Ops.RateEvaluate(r.Context(), payload.QuotaPercent, payload.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *handler) learningModifiers(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RoleID  string           `json:"role_id"`
		Metrics learning.Metrics `json:"metrics"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.app.Learning.EvaluateModifiers(r.Context(), payload.RoleID, payload.Metrics)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) learningAffinity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Candidates []learning.Candidate `json:"candidates"`
		Affinities map[string]float64   `json:"affinities"`
		Enabled    bool                 `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ranked := h.app.Learning.AffinityRoute(r.Context(), payload.Candidates, payload.Affinities, payload.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"ranked": ranked})
}

func (h *handler) learningMeetings(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SourceRef string `json:"source_ref"`
		Summary   string `json:"summary"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	capture, err := h.app.Learning.CaptureMeeting(r.Context(), payload.SourceRef, payload.Summary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, capture)
}
