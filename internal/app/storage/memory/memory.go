// Package memory provides in-memory implementations of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/storage"
)

// Store implements every storage interface in memory.
type Store struct {
	mu      sync.RWMutex
	streams map[string][][]byte
	deals   map[string]deal.Deal
	tokens  map[string]connector.Token
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.DealStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		streams: make(map[string][][]byte),
		deals:   make(map[string]deal.Deal),
		tokens:  make(map[string]connector.Token),
	}
}

// Append marshals the record onto the named stream.
func (s *Store) Append(ctx context.Context, stream string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", stream, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream] = append(s.streams[stream], line)
	return nil
}

// Replay returns a copy of every record in append order.
func (s *Store) Replay(ctx context.Context, stream string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.streams[stream]
	out := make([][]byte, len(records))
	for i, rec := range records {
		cp := make([]byte, len(rec))
		copy(cp, rec)
		out[i] = cp
	}
	return out, nil
}

// CreateDeal stores the deal once per id.
func (s *Store) CreateDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return deal.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deals[d.DealID]; exists {
		return deal.Deal{}, fmt.Errorf("deal %s: %w", d.DealID, storage.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.deals[d.DealID] = d
	return d, nil
}

// GetDeal returns a deal by id.
func (s *Store) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return deal.Deal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deals[id]
	if !ok {
		return deal.Deal{}, fmt.Errorf("deal %s: %w", id, storage.ErrNotFound)
	}
	return d, nil
}

// ListDeals returns deals sorted by creation time then id.
func (s *Store) ListDeals(ctx context.Context) ([]deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deal.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DealID < out[j].DealID
	})
	return out, nil
}

// PutToken stores the credential for a profile.
func (s *Store) PutToken(ctx context.Context, profileID string, tok connector.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[profileID] = tok
	return nil
}

// GetToken returns the stored credential for a profile.
func (s *Store) GetToken(ctx context.Context, profileID string) (connector.Token, error) {
	if err := ctx.Err(); err != nil {
		return connector.Token{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[profileID]
	if !ok {
		return connector.Token{}, fmt.Errorf("token %s: %w", profileID, storage.ErrNotFound)
	}
	return tok, nil
}

// DeleteToken removes the stored credential.
func (s *Store) DeleteToken(ctx context.Context, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, profileID)
	return nil
}
