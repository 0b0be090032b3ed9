package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/domain/filing"
	"github.com/opsdeck/sidecar/internal/app/domain/triage"
	filingsvc "github.com/opsdeck/sidecar/internal/app/services/filing"
	patternsvc "github.com/opsdeck/sidecar/internal/app/services/patterns"
	triagesvc "github.com/opsdeck/sidecar/internal/app/services/triage"
	"github.com/opsdeck/sidecar/internal/app/storage"
)

// ledgerStatus maps service errors to the HTTP taxonomy. Everything not
// matched by a sentinel is a validation failure.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, triagesvc.ErrAlreadyResolved),
		errors.Is(err, patternsvc.ErrAlreadyApproved),
		errors.Is(err, filingsvc.ErrAlreadyApproved):
		return http.StatusConflict
	case strings.Contains(err.Error(), "append"),
		strings.Contains(err.Error(), "replay"):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *handler) dealCreate(w http.ResponseWriter, r *http.Request) {
	var payload deal.Deal
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.app.Deals.Create(r.Context(), payload)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *handler) dealList(w http.ResponseWriter, r *http.Request) {
	deals, err := h.app.Deals.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deals)
}

func (h *handler) dealGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := h.app.Deals.Get(r.Context(), id)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) triageIngest(w http.ResponseWriter, r *http.Request) {
	var payload triage.Item
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := h.app.Triage.Ingest(r.Context(), payload)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *handler) triageList(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Triage.ListOpen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) triageLink(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DealID string `json:"deal_id"`
		TaskID string `json:"task_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, resolution, err := h.app.Triage.Link(r.Context(), mux.Vars(r)["id"], payload.DealID, payload.TaskID)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":       item,
		"resolution": resolution,
	})
}

func (h *handler) patternList(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.app.Patterns.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (h *handler) patternPropose(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PatternType string            `json:"pattern_type"`
		Match       map[string]string `json:"match"`
		Suggest     map[string]string `json:"suggest"`
		Notes       string            `json:"notes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := h.app.Patterns.Propose(r.Context(), payload.PatternType, payload.Match, payload.Suggest, payload.Notes)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) patternApprove(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := h.app.Patterns.Approve(r.Context(), mux.Vars(r)["id"], payload.ApprovedBy)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) filingList(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.app.Filing.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (h *handler) filingPropose(w http.ResponseWriter, r *http.Request) {
	var payload filing.Suggestion
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sg, err := h.app.Filing.Propose(r.Context(), payload)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sg)
}

func (h *handler) filingApprove(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sg, err := h.app.Filing.Approve(r.Context(), mux.Vars(r)["id"], payload.ApprovedBy)
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
