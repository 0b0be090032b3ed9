package storage

import (
	"context"
	"errors"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/domain/deal"
)

// Sentinel errors shared by all storage implementations. Services translate
// these into the HTTP taxonomy at the boundary.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Ledger stream names. Each stream is an independent append-only record
// sequence with its own serialization.
const (
	StreamAudit    = "audit"
	StreamTriage   = "triage"
	StreamPatterns = "patterns"
	StreamFiling   = "filing"
)

// Streams lists every known ledger stream.
var Streams = []string{StreamAudit, StreamTriage, StreamPatterns, StreamFiling}

// LedgerStore persists append-only record streams. Append durably adds one
// record; Replay returns every decodable record in append order, dropping
// corrupt lines rather than aborting the read. There is no deletion or
// compaction primitive: lifecycle transitions are expressed as new records
// referencing the same key.
type LedgerStore interface {
	Append(ctx context.Context, stream string, record any) error
	Replay(ctx context.Context, stream string) ([][]byte, error)
}

// DealStore persists whole-record deals keyed by deal id.
type DealStore interface {
	CreateDeal(ctx context.Context, d deal.Deal) (deal.Deal, error)
	GetDeal(ctx context.Context, id string) (deal.Deal, error)
	ListDeals(ctx context.Context) ([]deal.Deal, error)
}

// TokenStore persists one delegated credential per integration profile.
type TokenStore interface {
	PutToken(ctx context.Context, profileID string, tok connector.Token) error
	GetToken(ctx context.Context, profileID string) (connector.Token, error)
	DeleteToken(ctx context.Context, profileID string) error
}
