// Package auditlog appends operator-visibility events to the audit stream.
package auditlog

import (
	"context"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/audit"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Recorder writes audit events. Recording is best-effort: a failed append is
// logged but never fails the request that triggered it.
type Recorder struct {
	ledger storage.LedgerStore
	log    *logger.Logger
}

// New creates a recorder over the given ledger.
func New(ledger storage.LedgerStore, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Recorder{ledger: ledger, log: log}
}

// Record appends one audit event.
func (r *Recorder) Record(ctx context.Context, action string, details map[string]any) {
	if r == nil || r.ledger == nil {
		return
	}
	ev := audit.Event{Action: action, At: time.Now().UTC(), Details: details}
	if err := r.ledger.Append(ctx, storage.StreamAudit, ev); err != nil {
		r.log.WithError(err).WithField("action", action).Warn("audit append failed")
	}
}
