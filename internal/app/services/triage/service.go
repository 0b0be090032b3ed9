// Package triage implements the triage inbox: at-most-once ingestion with
// pattern-derived routing suggestions, one-shot linking, and replay-derived
// open state.
package triage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/pattern"
	"github.com/opsdeck/sidecar/internal/app/domain/triage"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Conflict and lookup errors surfaced to the HTTP boundary.
var (
	ErrAlreadyExists   = fmt.Errorf("triage item: %w", storage.ErrAlreadyExists)
	ErrNotFound        = fmt.Errorf("triage item: %w", storage.ErrNotFound)
	ErrAlreadyResolved = errors.New("triage item already resolved")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// PatternSource supplies approved routing patterns at ingestion time.
type PatternSource interface {
	Approved(ctx context.Context) ([]pattern.Pattern, error)
}

// DealChecker verifies that a link target deal exists.
type DealChecker interface {
	Exists(ctx context.Context, dealID string) (bool, error)
}

// Service coordinates the triage ledger stream.
type Service struct {
	ledger   storage.LedgerStore
	patterns PatternSource
	deals    DealChecker
	audit    *auditlog.Recorder
	log      *logger.Logger
}

// New creates a configured triage service.
func New(ledger storage.LedgerStore, patterns PatternSource, deals DealChecker, audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("triage")
	}
	return &Service{ledger: ledger, patterns: patterns, deals: deals, audit: audit, log: log}
}

func (s *Service) state(ctx context.Context) (triage.State, error) {
	records, err := s.ledger.Replay(ctx, storage.StreamTriage)
	if err != nil {
		return triage.State{}, fmt.Errorf("replay triage: %w", err)
	}
	return triage.Fold(records), nil
}

// Ingest validates the item, derives routing suggestions from approved
// patterns (first match wins; explicit caller suggestions act as fallback),
// and appends an OPEN record. An id that was ever ingested, open or
// resolved, is rejected with ErrAlreadyExists.
func (s *Service) Ingest(ctx context.Context, item triage.Item) (triage.Item, error) {
	item.ItemID = strings.TrimSpace(item.ItemID)
	item.SourceType = strings.TrimSpace(item.SourceType)
	item.SourceRef = strings.TrimSpace(item.SourceRef)
	item.Summary = strings.TrimSpace(item.Summary)

	if item.ItemID == "" {
		return triage.Item{}, fmt.Errorf("item_id is required")
	}
	if !idPattern.MatchString(item.ItemID) {
		return triage.Item{}, fmt.Errorf("item_id %q contains unsupported characters", item.ItemID)
	}
	if item.SourceType == "" {
		return triage.Item{}, fmt.Errorf("source_type is required")
	}
	if item.SourceRef == "" {
		return triage.Item{}, fmt.Errorf("source_ref is required")
	}
	if item.Summary == "" {
		return triage.Item{}, fmt.Errorf("summary is required")
	}

	st, err := s.state(ctx)
	if err != nil {
		return triage.Item{}, err
	}
	if st.Known(item.ItemID) {
		return triage.Item{}, fmt.Errorf("item %s: %w", item.ItemID, ErrAlreadyExists)
	}

	if dealID, taskID, matched := s.suggestFromPatterns(ctx, item.SourceRef); matched {
		item.SuggestedDealID = dealID
		item.SuggestedTaskID = taskID
	}
	item.CreatedAt = time.Now().UTC()

	ev := triage.Event{Type: triage.EventOpen, ItemID: item.ItemID, Item: &item, At: item.CreatedAt}
	if err := s.ledger.Append(ctx, storage.StreamTriage, ev); err != nil {
		return triage.Item{}, fmt.Errorf("append triage item: %w", err)
	}

	s.audit.Record(ctx, "triage_ingest", map[string]any{
		"item_id":           item.ItemID,
		"source_type":       item.SourceType,
		"suggested_deal_id": item.SuggestedDealID,
	})
	s.log.WithField("item_id", item.ItemID).Info("triage item ingested")
	return item, nil
}

// suggestFromPatterns matches the sender domain of sourceRef against
// approved SENDER_DOMAIN_TO_DEAL patterns. Pattern lookup failures are
// swallowed: an unreadable pattern ledger degrades to "no suggestion", it
// never blocks ingestion.
func (s *Service) suggestFromPatterns(ctx context.Context, sourceRef string) (dealID, taskID string, matched bool) {
	if s.patterns == nil {
		return "", "", false
	}
	domain := senderDomain(sourceRef)
	if domain == "" {
		return "", "", false
	}
	approved, err := s.patterns.Approved(ctx)
	if err != nil {
		s.log.WithError(err).Warn("pattern lookup failed during ingest")
		return "", "", false
	}
	for _, p := range approved {
		if p.PatternType != pattern.TypeSenderDomainToDeal {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(p.Match["domain"]), domain) {
			continue
		}
		return p.Suggest["deal_id"], p.Suggest["task_id"], true
	}
	return "", "", false
}

// senderDomain extracts the domain after the last '@' in a source reference
// such as "Jane Roe <jane@acme.com>".
func senderDomain(sourceRef string) string {
	at := strings.LastIndex(sourceRef, "@")
	if at < 0 || at == len(sourceRef)-1 {
		return ""
	}
	domain := sourceRef[at+1:]
	domain = strings.Trim(domain, "<> \t")
	if i := strings.IndexAny(domain, " >,;"); i >= 0 {
		domain = domain[:i]
	}
	return strings.ToLower(strings.TrimSpace(domain))
}

// Link resolves an open item against a deal and/or task. Linking is
// one-shot: a resolved item can never be re-linked.
func (s *Service) Link(ctx context.Context, itemID, dealID, taskID string) (triage.Item, triage.Resolution, error) {
	itemID = strings.TrimSpace(itemID)
	dealID = strings.TrimSpace(dealID)
	taskID = strings.TrimSpace(taskID)

	if itemID == "" {
		return triage.Item{}, triage.Resolution{}, fmt.Errorf("item_id is required")
	}
	if dealID == "" && taskID == "" {
		return triage.Item{}, triage.Resolution{}, fmt.Errorf("at least one of deal_id or task_id is required")
	}
	if dealID != "" && s.deals != nil {
		exists, err := s.deals.Exists(ctx, dealID)
		if err != nil {
			return triage.Item{}, triage.Resolution{}, fmt.Errorf("check deal %s: %w", dealID, err)
		}
		if !exists {
			return triage.Item{}, triage.Resolution{}, fmt.Errorf("deal %s does not exist", dealID)
		}
	}

	st, err := s.state(ctx)
	if err != nil {
		return triage.Item{}, triage.Resolution{}, err
	}
	item, ok := st.Item(itemID)
	if !ok {
		return triage.Item{}, triage.Resolution{}, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if _, resolved := st.Resolved(itemID); resolved {
		return triage.Item{}, triage.Resolution{}, fmt.Errorf("item %s: %w", itemID, ErrAlreadyResolved)
	}

	now := time.Now().UTC()
	ev := triage.Event{Type: triage.EventLink, ItemID: itemID, DealID: dealID, TaskID: taskID, At: now}
	if err := s.ledger.Append(ctx, storage.StreamTriage, ev); err != nil {
		return triage.Item{}, triage.Resolution{}, fmt.Errorf("append triage link: %w", err)
	}

	res := triage.Resolution{DealID: dealID, TaskID: taskID, ResolvedAt: now}
	s.audit.Record(ctx, "triage_link", map[string]any{
		"item_id": itemID,
		"deal_id": dealID,
		"task_id": taskID,
	})
	s.log.WithField("item_id", itemID).WithField("deal_id", dealID).Info("triage item linked")
	return item, res, nil
}

// ListOpen returns unresolved items in original ingestion order.
func (s *Service) ListOpen(ctx context.Context) ([]triage.Item, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	return st.Open(), nil
}
