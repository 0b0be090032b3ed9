// Package governance implements the policy gates. Every check is pure apart
// from its audit record and fails closed: on any ambiguity the gate blocks
// with a reason code and an actionable next step rather than allowing.
package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/opsdeck/sidecar/internal/app/metrics"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Reason codes emitted by the gates.
const (
	ReasonMissingRoleFields         = "MISSING_ROLE_FIELDS"
	ReasonHardBanMatch              = "HARD_BAN_MATCH"
	ReasonOutputContractIncomplete  = "OUTPUT_CONTRACT_INCOMPLETE"
	ReasonMissingEntityOrProvenance = "MISSING_ENTITY_OR_PROVENANCE"
	ReasonCrossEntityBlock          = "CROSS_ENTITY_BLOCK"
	ReasonContradictionDetected     = "CONTRADICTION_DETECTED"
)

// DefaultConfidenceThreshold gates auto-ready items.
const DefaultConfidenceThreshold = 0.8

// Decision is the uniform outcome of a policy gate.
type Decision struct {
	Allowed       bool           `json:"allowed"`
	ReasonCode    string         `json:"reason_code,omitempty"`
	BlockedAction string         `json:"blocked_action,omitempty"`
	NextSafeStep  string         `json:"next_safe_step,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func block(reason, action, nextStep string, details map[string]any) Decision {
	return Decision{
		ReasonCode:    reason,
		BlockedAction: action,
		NextSafeStep:  nextStep,
		Details:       details,
	}
}

// RoleCard is the agent role contract validated before any role activates.
type RoleCard struct {
	RoleID           string   `json:"role_id"`
	Domain           string   `json:"domain"`
	Inputs           []string `json:"inputs"`
	Outputs          []string `json:"outputs"`
	DefinitionOfDone []string `json:"definition_of_done"`
	HardBans         []string `json:"hard_bans"`
	Escalation       []string `json:"escalation"`
}

// Service evaluates governance checks.
type Service struct {
	audit *auditlog.Recorder
	log   *logger.Logger
}

// New creates a configured governance service.
func New(audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("governance")
	}
	return &Service{audit: audit, log: log}
}

func (s *Service) record(ctx context.Context, check string, d Decision) Decision {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "blocked"
	}
	metrics.RecordGovernanceDecision(check, d.Allowed)
	s.audit.Record(ctx, "governance_"+check, map[string]any{
		"outcome":     outcome,
		"reason_code": d.ReasonCode,
	})
	return d
}

// ValidateRoleCard requires a non-empty role id and domain plus non-empty
// string arrays for every behavioral list on the card.
func (s *Service) ValidateRoleCard(ctx context.Context, card RoleCard) Decision {
	var missing []string
	if strings.TrimSpace(card.RoleID) == "" {
		missing = append(missing, "role_id")
	}
	if strings.TrimSpace(card.Domain) == "" {
		missing = append(missing, "domain")
	}
	for _, field := range []struct {
		name   string
		values []string
	}{
		{"inputs", card.Inputs},
		{"outputs", card.Outputs},
		{"definition_of_done", card.DefinitionOfDone},
		{"hard_bans", card.HardBans},
		{"escalation", card.Escalation},
	} {
		if !nonEmptyStrings(field.values) {
			missing = append(missing, field.name)
		}
	}

	if len(missing) > 0 {
		return s.record(ctx, "rolecard_validate", block(
			ReasonMissingRoleFields,
			"activate_role:"+card.RoleID,
			"Complete the role card fields: "+strings.Join(missing, ", "),
			map[string]any{"missing_fields": missing},
		))
	}
	return s.record(ctx, "rolecard_validate", allow())
}

// CheckHardBans blocks when any ban phrase appears in the candidate text,
// compared case-insensitively as a substring.
func (s *Service) CheckHardBans(ctx context.Context, hardBans []string, candidateText string) Decision {
	haystack := strings.ToLower(candidateText)
	var matched []string
	for _, ban := range hardBans {
		phrase := strings.TrimSpace(ban)
		if phrase == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(phrase)) {
			matched = append(matched, phrase)
		}
	}
	if len(matched) > 0 {
		return s.record(ctx, "hardban_check", block(
			ReasonHardBanMatch,
			"release_output",
			"Remove the banned phrases and resubmit, or escalate for operator review.",
			map[string]any{"matched_phrases": matched},
		))
	}
	return s.record(ctx, "hardban_check", allow())
}

// OutputContract is the shape every released output must satisfy.
type OutputContract struct {
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
	Questions          []string `json:"questions"`
	Citations          []string `json:"citations"`
	EntityTag          struct {
		PrimaryEntity string `json:"primary_entity"`
	} `json:"entity_tag"`
	Audience string `json:"audience"`
}

// ValidateOutput enforces the output contract shape.
func (s *Service) ValidateOutput(ctx context.Context, out OutputContract) Decision {
	var missing []string
	if strings.TrimSpace(out.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(out.Summary) == "" {
		missing = append(missing, "summary")
	}
	if out.RecommendedActions == nil {
		missing = append(missing, "recommended_actions")
	}
	if out.Questions == nil {
		missing = append(missing, "questions")
	}
	if out.Citations == nil {
		missing = append(missing, "citations")
	}
	if strings.TrimSpace(out.EntityTag.PrimaryEntity) == "" {
		missing = append(missing, "entity_tag.primary_entity")
	}
	if strings.TrimSpace(out.Audience) == "" {
		missing = append(missing, "audience")
	}

	if len(missing) > 0 {
		return s.record(ctx, "output_validate", block(
			ReasonOutputContractIncomplete,
			"release_output",
			"Fill the missing contract fields: "+strings.Join(missing, ", "),
			map[string]any{"missing_fields": missing},
		))
	}
	return s.record(ctx, "output_validate", allow())
}

// CheckEntities inspects a raw JSON array of objects. Every object must
// carry entity_tag.primary_entity and complete provenance; when a target
// entity is given, objects tagged to a different entity are blocked so one
// entity's data is never rendered into another's audience. Objects are
// loosely shaped, so fields are extracted with gjson rather than a rigid
// struct.
func (s *Service) CheckEntities(ctx context.Context, rawObjects []byte, targetEntity string) Decision {
	parsed := gjson.ParseBytes(rawObjects)
	if !parsed.IsArray() {
		return s.record(ctx, "entity_check", block(
			ReasonMissingEntityOrProvenance,
			"render_batch",
			"Submit objects as a JSON array with entity_tag and provenance on each object.",
			nil,
		))
	}

	var missingIDs []string
	var crossIDs []string
	target := strings.TrimSpace(targetEntity)

	for i, obj := range parsed.Array() {
		id := obj.Get("id").String()
		if id == "" {
			id = fmt.Sprintf("object[%d]", i)
		}
		primary := strings.TrimSpace(obj.Get("entity_tag.primary_entity").String())
		complete := primary != "" &&
			obj.Get("provenance.source_type").String() != "" &&
			obj.Get("provenance.source_id").String() != "" &&
			obj.Get("provenance.retrieved_at").String() != ""
		if !complete {
			missingIDs = append(missingIDs, id)
			continue
		}
		if target != "" && !strings.EqualFold(primary, target) {
			crossIDs = append(crossIDs, id)
		}
	}

	if len(missingIDs) > 0 {
		return s.record(ctx, "entity_check", block(
			ReasonMissingEntityOrProvenance,
			"render_batch",
			"Attach entity_tag.primary_entity and full provenance (source_type, source_id, retrieved_at) to every object.",
			map[string]any{"object_ids": missingIDs},
		))
	}
	if len(crossIDs) > 0 {
		return s.record(ctx, "entity_check", block(
			ReasonCrossEntityBlock,
			"render_batch",
			"Remove objects tagged to other entities or change the target entity.",
			map[string]any{"object_ids": crossIDs, "target_entity": target},
		))
	}
	return s.record(ctx, "entity_check", allow())
}

// ConfidenceItem is one candidate action carrying a model confidence score.
type ConfidenceItem struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Risky      bool    `json:"risky"`
	Question   string  `json:"question,omitempty"`
}

// ConfidenceOutcome is the evaluation of one item.
type ConfidenceOutcome struct {
	ID                 string  `json:"id"`
	Confidence         float64 `json:"confidence"`
	AutoReady          bool    `json:"auto_ready"`
	RequiresApproval   bool    `json:"requires_approval"`
	Escalated          bool    `json:"escalated"`
	ClarifyingQuestion string  `json:"clarifying_question,omitempty"`
}

// EvaluateConfidence splits items into auto-ready and escalated sets against
// the threshold (default 0.8). Risky auto-ready items still require
// approval.
func (s *Service) EvaluateConfidence(ctx context.Context, items []ConfidenceItem, threshold *float64) []ConfidenceOutcome {
	limit := DefaultConfidenceThreshold
	if threshold != nil && *threshold > 0 && *threshold <= 1 {
		limit = *threshold
	}
	out := make([]ConfidenceOutcome, 0, len(items))
	escalated := 0
	for _, item := range items {
		oc := ConfidenceOutcome{ID: item.ID, Confidence: item.Confidence}
		if item.Confidence < limit {
			oc.Escalated = true
			oc.ClarifyingQuestion = item.Question
			if oc.ClarifyingQuestion == "" {
				oc.ClarifyingQuestion = fmt.Sprintf("Confidence %.2f is below the %.2f threshold; what additional context confirms this action?", item.Confidence, limit)
			}
			escalated++
		} else {
			oc.AutoReady = true
			oc.RequiresApproval = item.Risky
		}
		out = append(out, oc)
	}
	s.audit.Record(ctx, "governance_confidence_evaluate", map[string]any{
		"items":     len(items),
		"escalated": escalated,
		"threshold": limit,
	})
	return out
}

// Commitment is a prior statement of fact with its source.
type Commitment struct {
	Field    string `json:"field"`
	Value    string `json:"value"`
	Source   string `json:"source,omitempty"`
	Citation string `json:"citation,omitempty"`
}

// CheckContradictions compares a candidate field/value against prior
// commitments sharing the same field. Any differing prior value blocks
// release until resolved or escalated.
func (s *Service) CheckContradictions(ctx context.Context, candidate Commitment, prior []Commitment) Decision {
	field := strings.TrimSpace(candidate.Field)
	var conflicts []map[string]any
	for _, c := range prior {
		if !strings.EqualFold(strings.TrimSpace(c.Field), field) {
			continue
		}
		if strings.TrimSpace(c.Value) == strings.TrimSpace(candidate.Value) {
			continue
		}
		conflicts = append(conflicts, map[string]any{
			"field":    c.Field,
			"value":    c.Value,
			"source":   c.Source,
			"citation": c.Citation,
		})
	}
	if len(conflicts) > 0 {
		return s.record(ctx, "contradiction_check", block(
			ReasonContradictionDetected,
			"release_statement:"+field,
			"Resolve the contradiction against the cited commitments or escalate to an operator.",
			map[string]any{"contradictions": conflicts, "candidate_value": candidate.Value},
		))
	}
	return s.record(ctx, "contradiction_check", allow())
}

// EscalationRoute is the routing decision for a risky action. The route
// endpoint never executes the underlying action.
type EscalationRoute struct {
	Route     string   `json:"route"`
	RiskLevel string   `json:"risk_level"`
	Reasons   []string `json:"reasons,omitempty"`
	NoExecute bool     `json:"no_execute"`
}

// RouteEscalation sends HIGH/MEDIUM risk, or anything carrying reasons, to
// the approval queue; everything else goes to operator review.
func (s *Service) RouteEscalation(ctx context.Context, riskLevel string, reasons []string) EscalationRoute {
	risk := strings.ToUpper(strings.TrimSpace(riskLevel))
	route := "operator_review"
	if risk == "HIGH" || risk == "MEDIUM" || len(reasons) > 0 {
		route = "approval_queue"
	}
	s.audit.Record(ctx, "governance_escalation_route", map[string]any{
		"risk_level": risk,
		"route":      route,
		"reasons":    len(reasons),
	})
	return EscalationRoute{Route: route, RiskLevel: risk, Reasons: reasons, NoExecute: true}
}

func nonEmptyStrings(values []string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}
