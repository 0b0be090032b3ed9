package deals

import (
	"context"
	"errors"
	"testing"

	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/pkg/logger"
)

func newService() (*Service, *memory.Store) {
	store := memory.New()
	log := logger.NewNop()
	return New(store, auditlog.New(store, log), log), store
}

func TestCreateValidatesAndTrims(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	created, err := s.Create(ctx, deal.Deal{DealID: "  acme-2026  ", DealName: " Acme ", Entity: "olumie"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.DealID != "acme-2026" || created.DealName != "Acme" {
		t.Fatalf("expected trimmed fields, got %+v", created)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected created_at set")
	}

	if _, err := s.Create(ctx, deal.Deal{}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := s.Create(ctx, deal.Deal{DealID: "has spaces"}); err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	if _, err := s.Create(ctx, deal.Deal{DealID: "acme-2026"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.Create(ctx, deal.Deal{DealID: "acme-2026"})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestExists(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "acme-2026")
	if err != nil || ok {
		t.Fatalf("expected absent without error, got %v %v", ok, err)
	}

	if _, err := s.Create(ctx, deal.Deal{DealID: "acme-2026"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err = s.Exists(ctx, "acme-2026")
	if err != nil || !ok {
		t.Fatalf("expected present, got %v %v", ok, err)
	}
}
