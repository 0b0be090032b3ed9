// Package deals manages whole-record deal entities.
package deals

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Service validates and persists deals.
type Service struct {
	store storage.DealStore
	audit *auditlog.Recorder
	log   *logger.Logger
}

// New creates a configured deal service.
func New(store storage.DealStore, audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("deals")
	}
	return &Service{store: store, audit: audit, log: log}
}

// Create validates and stores a new deal.
func (s *Service) Create(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	d.DealID = strings.TrimSpace(d.DealID)
	d.DealName = strings.TrimSpace(d.DealName)
	d.Entity = strings.TrimSpace(d.Entity)
	d.Phase = strings.TrimSpace(d.Phase)
	d.Status = strings.TrimSpace(d.Status)

	if d.DealID == "" {
		return deal.Deal{}, fmt.Errorf("deal_id is required")
	}
	if !idPattern.MatchString(d.DealID) {
		return deal.Deal{}, fmt.Errorf("deal_id %q contains unsupported characters", d.DealID)
	}

	created, err := s.store.CreateDeal(ctx, d)
	if err != nil {
		return deal.Deal{}, err
	}
	s.audit.Record(ctx, "deal_create", map[string]any{"deal_id": created.DealID, "entity": created.Entity})
	s.log.WithField("deal_id", created.DealID).Info("deal created")
	return created, nil
}

// Get returns one deal by id.
func (s *Service) Get(ctx context.Context, id string) (deal.Deal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return deal.Deal{}, fmt.Errorf("deal_id is required")
	}
	return s.store.GetDeal(ctx, id)
}

// List returns all deals.
func (s *Service) List(ctx context.Context) ([]deal.Deal, error) {
	return s.store.ListDeals(ctx)
}

// Exists reports whether a deal id is present.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetDeal(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}
