package filing

import (
	"context"
	"errors"
	"testing"

	"github.com/opsdeck/sidecar/internal/app/domain/filing"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/pkg/logger"
)

func newService() *Service {
	store := memory.New()
	log := logger.NewNop()
	return New(store, auditlog.New(store, log), log)
}

func validSuggestion() filing.Suggestion {
	return filing.Suggestion{
		SourceType:    "email",
		SourceRef:     "jane@acme.com",
		DealID:        "acme-2026",
		SuggestedPath: "deals/acme-2026/correspondence",
		Rationale:     "sender domain matches",
	}
}

func TestProposeRequiresTarget(t *testing.T) {
	s := newService()
	ctx := context.Background()

	sg := validSuggestion()
	sg.DealID = ""
	sg.TriageItemID = ""
	if _, err := s.Propose(ctx, sg); err == nil {
		t.Fatal("expected error when both deal_id and triage_item_id are empty")
	}

	sg = validSuggestion()
	sg.SuggestedPath = ""
	if _, err := s.Propose(ctx, sg); err == nil {
		t.Fatal("expected error for missing suggested_path")
	}

	// Triage-item-only targets are accepted.
	sg = validSuggestion()
	sg.DealID = ""
	sg.TriageItemID = "msg-1"
	if _, err := s.Propose(ctx, sg); err != nil {
		t.Fatalf("propose with triage target: %v", err)
	}
}

func TestApproveLifecycle(t *testing.T) {
	s := newService()
	ctx := context.Background()

	proposed, err := s.Propose(ctx, validSuggestion())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if proposed.Status != filing.StatusProposed || proposed.SuggestionID == "" {
		t.Fatalf("unexpected proposed suggestion: %+v", proposed)
	}

	approved, err := s.Approve(ctx, proposed.SuggestionID, "operator")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != filing.StatusApproved || approved.ApprovedAt == nil || approved.ApprovedBy != "operator" {
		t.Fatalf("unexpected approved suggestion: %+v", approved)
	}

	if _, err := s.Approve(ctx, proposed.SuggestionID, "operator"); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if _, err := s.Approve(ctx, "ghost", "operator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Status != filing.StatusApproved {
		t.Fatalf("unexpected list: %+v", all)
	}
}
