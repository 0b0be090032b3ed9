package triage

import (
	"context"
	"errors"
	"testing"

	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/domain/triage"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	dealsvc "github.com/opsdeck/sidecar/internal/app/services/deals"
	patternsvc "github.com/opsdeck/sidecar/internal/app/services/patterns"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/pkg/logger"
)

type fixture struct {
	triage   *Service
	deals    *dealsvc.Service
	patterns *patternsvc.Service
	store    *memory.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	log := logger.NewNop()
	recorder := auditlog.New(store, log)
	deals := dealsvc.New(store, recorder, log)
	patterns := patternsvc.New(store, recorder, log)
	return fixture{
		triage:   New(store, patterns, deals, recorder, log),
		deals:    deals,
		patterns: patterns,
		store:    store,
	}
}

func TestIngestRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := triage.Item{ItemID: "msg-1", SourceType: "email", SourceRef: "jane@acme.com", Summary: "intro call"}
	if _, err := f.triage.Ingest(ctx, item); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := f.triage.Ingest(ctx, item)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []triage.Item{
		{SourceType: "email", SourceRef: "a@b.com", Summary: "s"},
		{ItemID: "bad id!", SourceType: "email", SourceRef: "a@b.com", Summary: "s"},
		{ItemID: "msg-1", SourceRef: "a@b.com", Summary: "s"},
		{ItemID: "msg-1", SourceType: "email", Summary: "s"},
		{ItemID: "msg-1", SourceType: "email", SourceRef: "a@b.com"},
	}
	for i, item := range cases {
		if _, err := f.triage.Ingest(ctx, item); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestIngestSuggestsFromApprovedPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.patterns.Propose(ctx, "SENDER_DOMAIN_TO_DEAL",
		map[string]string{"domain": "acme.com"},
		map[string]string{"deal_id": "acme-2026", "task_id": "task-1"}, "")
	if err != nil {
		t.Fatalf("propose pattern: %v", err)
	}

	// Proposed but unapproved patterns must not suggest.
	item, err := f.triage.Ingest(ctx, triage.Item{
		ItemID: "msg-1", SourceType: "email",
		SourceRef: "Jane Roe <jane@acme.com>", Summary: "intro",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if item.SuggestedDealID != "" {
		t.Fatalf("unapproved pattern suggested %q", item.SuggestedDealID)
	}

	if _, err := f.patterns.Approve(ctx, p.PatternID, "operator"); err != nil {
		t.Fatalf("approve pattern: %v", err)
	}

	item, err = f.triage.Ingest(ctx, triage.Item{
		ItemID: "msg-2", SourceType: "email",
		SourceRef: "Jane Roe <jane@ACME.com>", Summary: "followup",
	})
	if err != nil {
		t.Fatalf("ingest after approve: %v", err)
	}
	if item.SuggestedDealID != "acme-2026" || item.SuggestedTaskID != "task-1" {
		t.Fatalf("expected pattern suggestion, got %+v", item)
	}
}

func TestLinkIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.deals.Create(ctx, deal.Deal{DealID: "acme-2026"}); err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if _, err := f.triage.Ingest(ctx, triage.Item{ItemID: "msg-1", SourceType: "email", SourceRef: "a@b.com", Summary: "s"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	item, res, err := f.triage.Link(ctx, "msg-1", "acme-2026", "")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if item.ItemID != "msg-1" || res.DealID != "acme-2026" {
		t.Fatalf("unexpected resolution: %+v %+v", item, res)
	}

	_, _, err = f.triage.Link(ctx, "msg-1", "acme-2026", "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestLinkRequiresExistingDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.triage.Ingest(ctx, triage.Item{ItemID: "msg-1", SourceType: "email", SourceRef: "a@b.com", Summary: "s"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, _, err := f.triage.Link(ctx, "msg-1", "ghost-deal", ""); err == nil {
		t.Fatal("expected error for missing deal")
	}

	// Task-only links need no deal check.
	if _, _, err := f.triage.Link(ctx, "msg-1", "", "task-7"); err != nil {
		t.Fatalf("task-only link: %v", err)
	}
}

func TestLinkUnknownItem(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.triage.Link(context.Background(), "never-ingested", "", "task-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOpenSurvivesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		if _, err := f.triage.Ingest(ctx, triage.Item{ItemID: id, SourceType: "email", SourceRef: "a@b.com", Summary: "s"}); err != nil {
			t.Fatalf("ingest %s: %v", id, err)
		}
	}
	if _, _, err := f.triage.Link(ctx, "msg-2", "", "task-1"); err != nil {
		t.Fatalf("link: %v", err)
	}

	// A fresh service over the same records reaches the same state.
	rebuilt := New(f.store, f.patterns, f.deals, auditlog.New(f.store, logger.NewNop()), logger.NewNop())
	open, err := rebuilt.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].ItemID != "msg-1" || open[1].ItemID != "msg-3" {
		t.Fatalf("unexpected open items: %+v", open)
	}

	// Replaying never consumed the stream.
	records, err := f.store.Replay(ctx, storage.StreamTriage)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
}
