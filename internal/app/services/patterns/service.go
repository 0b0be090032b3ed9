// Package patterns manages the propose/approve lifecycle of learned routing
// rules.
package patterns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/sidecar/internal/app/domain/pattern"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Conflict and lookup errors surfaced to the HTTP boundary.
var (
	ErrNotFound        = fmt.Errorf("pattern: %w", storage.ErrNotFound)
	ErrAlreadyApproved = fmt.Errorf("pattern already approved")
)

// Service coordinates pattern proposals and approvals over the pattern
// ledger stream.
type Service struct {
	ledger storage.LedgerStore
	audit  *auditlog.Recorder
	log    *logger.Logger
}

// New creates a configured pattern service.
func New(ledger storage.LedgerStore, audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("patterns")
	}
	return &Service{ledger: ledger, audit: audit, log: log}
}

func (s *Service) state(ctx context.Context) (pattern.State, error) {
	records, err := s.ledger.Replay(ctx, storage.StreamPatterns)
	if err != nil {
		return pattern.State{}, fmt.Errorf("replay patterns: %w", err)
	}
	return pattern.Fold(records), nil
}

// Propose validates and appends a PROPOSED pattern, returning the generated
// id.
func (s *Service) Propose(ctx context.Context, patternType string, match, suggest map[string]string, notes string) (pattern.Pattern, error) {
	patternType = strings.TrimSpace(patternType)
	if patternType == "" {
		return pattern.Pattern{}, fmt.Errorf("pattern_type is required")
	}
	if len(match) == 0 {
		return pattern.Pattern{}, fmt.Errorf("match is required")
	}
	if len(suggest) == 0 {
		return pattern.Pattern{}, fmt.Errorf("suggest is required")
	}

	p := pattern.Pattern{
		PatternID:   uuid.NewString(),
		PatternType: patternType,
		Match:       cloneMap(match),
		Suggest:     cloneMap(suggest),
		Notes:       strings.TrimSpace(notes),
		Status:      pattern.StatusProposed,
		ProposedAt:  time.Now().UTC(),
	}
	ev := pattern.Event{Type: pattern.StatusProposed, Pattern: p, At: p.ProposedAt}
	if err := s.ledger.Append(ctx, storage.StreamPatterns, ev); err != nil {
		return pattern.Pattern{}, fmt.Errorf("append pattern: %w", err)
	}

	s.audit.Record(ctx, "pattern_propose", map[string]any{
		"pattern_id":   p.PatternID,
		"pattern_type": p.PatternType,
	})
	s.log.WithField("pattern_id", p.PatternID).Info("pattern proposed")
	return p, nil
}

// Approve transitions a currently-proposed pattern to APPROVED, carrying its
// match/suggest/notes forward in the new record.
func (s *Service) Approve(ctx context.Context, patternID, approvedBy string) (pattern.Pattern, error) {
	patternID = strings.TrimSpace(patternID)
	approvedBy = strings.TrimSpace(approvedBy)
	if patternID == "" {
		return pattern.Pattern{}, fmt.Errorf("pattern_id is required")
	}
	if approvedBy == "" {
		return pattern.Pattern{}, fmt.Errorf("approved_by is required")
	}

	st, err := s.state(ctx)
	if err != nil {
		return pattern.Pattern{}, err
	}
	current, ok := st.Get(patternID)
	if !ok {
		return pattern.Pattern{}, fmt.Errorf("pattern %s: %w", patternID, ErrNotFound)
	}
	if current.Status != pattern.StatusProposed {
		return pattern.Pattern{}, fmt.Errorf("pattern %s: %w", patternID, ErrAlreadyApproved)
	}

	now := time.Now().UTC()
	current.Status = pattern.StatusApproved
	current.ApprovedAt = &now
	current.ApprovedBy = approvedBy

	ev := pattern.Event{Type: pattern.StatusApproved, Pattern: current, At: now}
	if err := s.ledger.Append(ctx, storage.StreamPatterns, ev); err != nil {
		return pattern.Pattern{}, fmt.Errorf("append pattern approval: %w", err)
	}

	s.audit.Record(ctx, "pattern_approve", map[string]any{
		"pattern_id":  current.PatternID,
		"approved_by": approvedBy,
	})
	s.log.WithField("pattern_id", current.PatternID).WithField("approved_by", approvedBy).Info("pattern approved")
	return current, nil
}

// List returns every pattern in first-seen order.
func (s *Service) List(ctx context.Context) ([]pattern.Pattern, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.All(), nil
}

// Approved returns approved patterns for suggestion matching.
func (s *Service) Approved(ctx context.Context) ([]pattern.Pattern, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.Approved(), nil
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.TrimSpace(v)
	}
	return out
}
