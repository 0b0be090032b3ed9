// Package filing manages the propose/approve lifecycle of document-filing
// suggestions.
package filing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/sidecar/internal/app/domain/filing"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Conflict and lookup errors surfaced to the HTTP boundary.
var (
	ErrNotFound        = fmt.Errorf("filing suggestion: %w", storage.ErrNotFound)
	ErrAlreadyApproved = errors.New("filing suggestion already approved")
)

// Service coordinates the filing ledger stream.
type Service struct {
	ledger storage.LedgerStore
	audit  *auditlog.Recorder
	log    *logger.Logger
}

// New creates a configured filing service.
func New(ledger storage.LedgerStore, audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("filing")
	}
	return &Service{ledger: ledger, audit: audit, log: log}
}

func (s *Service) state(ctx context.Context) (filing.State, error) {
	records, err := s.ledger.Replay(ctx, storage.StreamFiling)
	if err != nil {
		return filing.State{}, fmt.Errorf("replay filing: %w", err)
	}
	return filing.Fold(records), nil
}

// Propose validates and appends a PROPOSED filing suggestion. At least one
// of dealID / triageItemID must anchor the suggestion.
func (s *Service) Propose(ctx context.Context, sg filing.Suggestion) (filing.Suggestion, error) {
	sg.SourceType = strings.TrimSpace(sg.SourceType)
	sg.SourceRef = strings.TrimSpace(sg.SourceRef)
	sg.DealID = strings.TrimSpace(sg.DealID)
	sg.TriageItemID = strings.TrimSpace(sg.TriageItemID)
	sg.SuggestedPath = strings.TrimSpace(sg.SuggestedPath)
	sg.Rationale = strings.TrimSpace(sg.Rationale)

	if sg.SourceType == "" {
		return filing.Suggestion{}, fmt.Errorf("source_type is required")
	}
	if sg.SourceRef == "" {
		return filing.Suggestion{}, fmt.Errorf("source_ref is required")
	}
	if sg.SuggestedPath == "" {
		return filing.Suggestion{}, fmt.Errorf("suggested_path is required")
	}
	if sg.DealID == "" && sg.TriageItemID == "" {
		return filing.Suggestion{}, fmt.Errorf("at least one of deal_id or triage_item_id is required")
	}

	sg.SuggestionID = uuid.NewString()
	sg.Status = filing.StatusProposed
	sg.ProposedAt = time.Now().UTC()
	sg.ApprovedAt = nil
	sg.ApprovedBy = ""

	ev := filing.Event{Type: filing.StatusProposed, Suggestion: sg, At: sg.ProposedAt}
	if err := s.ledger.Append(ctx, storage.StreamFiling, ev); err != nil {
		return filing.Suggestion{}, fmt.Errorf("append filing suggestion: %w", err)
	}

	s.audit.Record(ctx, "filing_propose", map[string]any{
		"suggestion_id":  sg.SuggestionID,
		"suggested_path": sg.SuggestedPath,
	})
	s.log.WithField("suggestion_id", sg.SuggestionID).Info("filing suggestion proposed")
	return sg, nil
}

// Approve transitions a currently-proposed suggestion to APPROVED.
func (s *Service) Approve(ctx context.Context, suggestionID, approvedBy string) (filing.Suggestion, error) {
	suggestionID = strings.TrimSpace(suggestionID)
	approvedBy = strings.TrimSpace(approvedBy)
	if suggestionID == "" {
		return filing.Suggestion{}, fmt.Errorf("suggestion_id is required")
	}
	if approvedBy == "" {
		return filing.Suggestion{}, fmt.Errorf("approved_by is required")
	}

	st, err := s.state(ctx)
	if err != nil {
		return filing.Suggestion{}, err
	}
	current, ok := st.Get(suggestionID)
	if !ok {
		return filing.Suggestion{}, fmt.Errorf("suggestion %s: %w", suggestionID, ErrNotFound)
	}
	if current.Status != filing.StatusProposed {
		return filing.Suggestion{}, fmt.Errorf("suggestion %s: %w", suggestionID, ErrAlreadyApproved)
	}

	now := time.Now().UTC()
	current.Status = filing.StatusApproved
	current.ApprovedAt = &now
	current.ApprovedBy = approvedBy

	ev := filing.Event{Type: filing.StatusApproved, Suggestion: current, At: now}
	if err := s.ledger.Append(ctx, storage.StreamFiling, ev); err != nil {
		return filing.Suggestion{}, fmt.Errorf("append filing approval: %w", err)
	}

	s.audit.Record(ctx, "filing_approve", map[string]any{
		"suggestion_id": current.SuggestionID,
		"approved_by":   approvedBy,
	})
	s.log.WithField("suggestion_id", current.SuggestionID).Info("filing suggestion approved")
	return current, nil
}

// List returns every suggestion in first-seen order.
func (s *Service) List(ctx context.Context) ([]filing.Suggestion, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.All(), nil
}
