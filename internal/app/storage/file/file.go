// Package file implements whole-record JSON persistence: one file per deal
// and one token file per integration profile.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/domain/deal"
	"github.com/opsdeck/sidecar/internal/app/storage"
)

// DealStore persists each deal as <dir>/<deal_id>.json.
type DealStore struct {
	mu  sync.Mutex
	dir string
}

var _ storage.DealStore = (*DealStore)(nil)

// NewDealStore creates the deals directory if needed.
func NewDealStore(dir string) (*DealStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("deal dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create deal dir: %w", err)
	}
	return &DealStore{dir: dir}, nil
}

func (s *DealStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// CreateDeal writes the deal once; a second create for the same id fails
// with storage.ErrAlreadyExists.
func (s *DealStore) CreateDeal(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return deal.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(d.DealID)
	if _, err := os.Stat(path); err == nil {
		return deal.Deal{}, fmt.Errorf("deal %s: %w", d.DealID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return deal.Deal{}, fmt.Errorf("marshal deal: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return deal.Deal{}, fmt.Errorf("write deal %s: %w", d.DealID, err)
	}
	return d, nil
}

// GetDeal reads one deal by id.
func (s *DealStore) GetDeal(ctx context.Context, id string) (deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return deal.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return deal.Deal{}, fmt.Errorf("deal %s: %w", id, storage.ErrNotFound)
		}
		return deal.Deal{}, fmt.Errorf("read deal %s: %w", id, err)
	}
	var d deal.Deal
	if err := json.Unmarshal(data, &d); err != nil {
		return deal.Deal{}, fmt.Errorf("decode deal %s: %w", id, err)
	}
	return d, nil
}

// ListDeals returns every readable deal sorted by creation time then id.
// Unreadable files are skipped, matching the fail-open read policy of the
// ledgers.
func (s *DealStore) ListDeals(ctx context.Context) ([]deal.Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read deal dir: %w", err)
	}
	deals := make([]deal.Deal, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var d deal.Deal
		if err := json.Unmarshal(data, &d); err != nil || d.DealID == "" {
			continue
		}
		deals = append(deals, d)
	}
	sort.Slice(deals, func(i, j int) bool {
		if !deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].CreatedAt.Before(deals[j].CreatedAt)
		}
		return deals[i].DealID < deals[j].DealID
	})
	return deals, nil
}

// TokenStore persists each profile credential as <dir>/<profile>.json.
type TokenStore struct {
	mu  sync.Mutex
	dir string
}

var _ storage.TokenStore = (*TokenStore)(nil)

// NewTokenStore creates the token directory if needed. Token files are
// created owner-readable only.
func NewTokenStore(dir string) (*TokenStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("token dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &TokenStore{dir: dir}, nil
}

func (s *TokenStore) path(profileID string) string {
	return filepath.Join(s.dir, profileID+".json")
}

// PutToken replaces the stored credential for the profile.
func (s *TokenStore) PutToken(ctx context.Context, profileID string, tok connector.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := writeFileAtomic(s.path(profileID), append(data, '\n')); err != nil {
		return fmt.Errorf("write token %s: %w", profileID, err)
	}
	return nil
}

// GetToken reads the stored credential, or storage.ErrNotFound.
func (s *TokenStore) GetToken(ctx context.Context, profileID string) (connector.Token, error) {
	if err := ctx.Err(); err != nil {
		return connector.Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(profileID))
	if err != nil {
		if os.IsNotExist(err) {
			return connector.Token{}, fmt.Errorf("token %s: %w", profileID, storage.ErrNotFound)
		}
		return connector.Token{}, fmt.Errorf("read token %s: %w", profileID, err)
	}
	var tok connector.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return connector.Token{}, fmt.Errorf("decode token %s: %w", profileID, err)
	}
	return tok, nil
}

// DeleteToken removes the stored credential. Deleting an absent token is not
// an error.
func (s *TokenStore) DeleteToken(ctx context.Context, profileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(profileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token %s: %w", profileID, err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crashed write never
// leaves a truncated record behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
