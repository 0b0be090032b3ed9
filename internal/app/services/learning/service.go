// Package learning implements the deterministic, reversible advisor:
// behavioral modifiers derived from rolling metrics and affinity-weighted
// candidate ranking. It keeps no persisted state; identical inputs always
// reproduce identical, auditable output.
package learning

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Modifier thresholds over rolling metrics.
const (
	draftAcceptanceThreshold = 0.8
	triageReductionThreshold = 0.2
	recurrenceThreshold      = 0.15
)

// affinityWeight scales the learned preference when routing is enabled.
const affinityWeight = 0.1

// Metrics are the rolling inputs to modifier evaluation.
type Metrics struct {
	DraftAcceptanceRate float64 `json:"draft_acceptance_rate"`
	TriageReductionRate float64 `json:"triage_reduction_rate"`
	RecurrenceRate      float64 `json:"recurrence_rate"`
}

// ModifierResult is the deterministic advisory output.
type ModifierResult struct {
	RoleID      string   `json:"role_id"`
	Modifiers   []string `json:"modifiers"`
	ReasonCodes []string `json:"reason_codes"`
	Reversible  bool     `json:"reversible"`
	Signature   string   `json:"signature"`
}

// Candidate is one routing candidate.
type Candidate struct {
	ID            string  `json:"id"`
	BaseScore     float64 `json:"base_score"`
	PolicyBlocked bool    `json:"policy_blocked"`
}

// RankedCandidate carries the final routing score.
type RankedCandidate struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Affinity float64 `json:"affinity"`
}

// MeetingCapture acknowledges captured meeting notes for later triage.
type MeetingCapture struct {
	CaptureID  string    `json:"capture_id"`
	SourceRef  string    `json:"source_ref"`
	CapturedAt time.Time `json:"captured_at"`
}

// Service evaluates advisory functions.
type Service struct {
	audit *auditlog.Recorder
	log   *logger.Logger
}

// New creates a configured learning service.
func New(audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("learning")
	}
	return &Service{audit: audit, log: log}
}

// EvaluateModifiers derives up to three natural-language behavioral
// modifiers from the rolling metrics. The result carries a stable checksum
// over role id, metrics, and reasons so repeated evaluations are provably
// identical.
func (s *Service) EvaluateModifiers(ctx context.Context, roleID string, m Metrics) (ModifierResult, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return ModifierResult{}, fmt.Errorf("role_id is required")
	}

	var modifiers []string
	var reasons []string
	if m.DraftAcceptanceRate >= draftAcceptanceThreshold {
		modifiers = append(modifiers, "Drafts from this role are consistently accepted; keep the current drafting voice and reduce pre-send review depth.")
		reasons = append(reasons, "HIGH_DRAFT_ACCEPTANCE")
	}
	if m.TriageReductionRate >= triageReductionThreshold {
		modifiers = append(modifiers, "Triage volume is dropping under current routing; preserve the active pattern set before proposing new rules.")
		reasons = append(reasons, "TRIAGE_REDUCTION_STRONG")
	}
	if m.RecurrenceRate >= recurrenceThreshold {
		modifiers = append(modifiers, "Recurring issue signatures detected; prefer linking new items to existing deals over opening fresh threads.")
		reasons = append(reasons, "RECURRENCE_DETECTED")
	}

	result := ModifierResult{
		RoleID:      roleID,
		Modifiers:   modifiers,
		ReasonCodes: reasons,
		Reversible:  true,
		Signature:   signature(roleID, m, reasons),
	}
	s.audit.Record(ctx, "learning_modifiers_evaluate", map[string]any{
		"role_id":   roleID,
		"modifiers": len(modifiers),
		"signature": result.Signature,
	})
	return result, nil
}

// signature is a stable blake2b checksum over the evaluation inputs and
// derived reasons.
func signature(roleID string, m Metrics, reasons []string) string {
	payload := fmt.Sprintf("%s|%.6f|%.6f|%.6f|%s",
		roleID, m.DraftAcceptanceRate, m.TriageReductionRate, m.RecurrenceRate,
		strings.Join(reasons, ","))
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

// AffinityRoute excludes policy-blocked candidates, scores the rest as
// base_score + affinity*0.1 (affinity forced to zero while routing is
// disabled), and orders them score-descending with id-ascending ties for
// determinism.
func (s *Service) AffinityRoute(ctx context.Context, candidates []Candidate, affinities map[string]float64, enabled bool) []RankedCandidate {
	ranked := make([]RankedCandidate, 0, len(candidates))
	blocked := 0
	for _, c := range candidates {
		if c.PolicyBlocked {
			blocked++
			continue
		}
		affinity := 0.0
		if enabled {
			affinity = affinities[c.ID]
		}
		ranked = append(ranked, RankedCandidate{
			ID:       c.ID,
			Score:    c.BaseScore + affinity*affinityWeight,
			Affinity: affinity,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})

	s.audit.Record(ctx, "learning_affinity_route", map[string]any{
		"candidates": len(candidates),
		"blocked":    blocked,
		"enabled":    enabled,
	})
	return ranked
}

// CaptureMeeting records meeting notes for later triage and returns a
// capture id.
func (s *Service) CaptureMeeting(ctx context.Context, sourceRef, summary string) (MeetingCapture, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	summary = strings.TrimSpace(summary)
	if sourceRef == "" {
		return MeetingCapture{}, fmt.Errorf("source_ref is required")
	}
	if summary == "" {
		return MeetingCapture{}, fmt.Errorf("summary is required")
	}

	capture := MeetingCapture{
		CaptureID:  uuid.NewString(),
		SourceRef:  sourceRef,
		CapturedAt: time.Now().UTC(),
	}
	s.audit.Record(ctx, "learning_meeting_capture", map[string]any{
		"capture_id": capture.CaptureID,
		"source_ref": sourceRef,
		"summary":    summary,
	})
	return capture, nil
}
