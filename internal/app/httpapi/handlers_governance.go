package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opsdeck/sidecar/internal/app/services/governance"
)

func (h *handler) govRoleCards(w http.ResponseWriter, r *http.Request) {
	var card governance.RoleCard
	if err := decodeJSON(r.Body, &card); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeDecision(w, h.app.Governance.ValidateRoleCard(r.Context(), card))
}

func (h *handler) govHardBans(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		HardBans      []string `json:"hard_bans"`
		CandidateText string   `json:"candidate_text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeDecision(w, h.app.Governance.CheckHardBans(r.Context(), payload.HardBans, payload.CandidateText))
}

func (h *handler) govOutput(w http.ResponseWriter, r *http.Request) {
	var contract governance.OutputContract
	if err := decodeJSON(r.Body, &contract); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeDecision(w, h.app.Governance.ValidateOutput(r.Context(), contract))
}

func (h *handler) govEntity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TargetEntity string          `json:"target_entity"`
		Objects      json.RawMessage `json:"objects"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload.Objects) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("objects is required"))
		return
	}
	writeDecision(w, h.app.Governance.CheckEntities(r.Context(), payload.Objects, payload.TargetEntity))
}

func (h *handler) govConfidence(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Items     []governance.ConfidenceItem `json:"items"`
		Threshold *float64                    `json:"threshold"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload.Items) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("items is required"))
		return
	}
	outcomes := h.app.Governance.EvaluateConfidence(r.Context(), payload.Items, payload.Threshold)
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (h *handler) govContradictions(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Candidate governance.Commitment   `json:"candidate"`
		Prior     []governance.Commitment `json:"prior"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Candidate.Field == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("candidate.field is required"))
		return
	}
	writeDecision(w, h.app.Governance.CheckContradictions(r.Context(), payload.Candidate, payload.Prior))
}

func (h *handler) govEscalations(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RiskLevel string   `json:"risk_level"`
		Reasons   []string `json:"reasons"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Governance.RouteEscalation(r.Context(), payload.RiskLevel, payload.Reasons))
}
