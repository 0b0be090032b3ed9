// Package ops implements the automation controller: the process-wide
// pause/resume state machine, the priority dispatch gate, and the
// quota-aware rate policy.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/sidecar/internal/app/metrics"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Work priorities.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Rate policy actions.
const (
	ActionAllow = "ALLOW"
	ActionDefer = "DEFER"
)

// quotaDeferThreshold is the quota percentage above which low-priority work
// is deferred.
const quotaDeferThreshold = 80.0

// State-machine conflicts surfaced to the HTTP boundary.
var (
	ErrAlreadyPaused = errors.New("automation already paused")
	ErrNotPaused     = errors.New("automation is not paused")
	ErrPaused        = errors.New("automation paused")
)

// PauseState is the externally visible controller state.
type PauseState struct {
	Paused            bool       `json:"paused"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	QueuedNonCritical int        `json:"queued_non_critical"`
}

// ResumeSummary is the catch-up report returned by Resume.
type ResumeSummary struct {
	PausedFor         time.Duration `json:"-"`
	PausedForSeconds  float64       `json:"paused_for_seconds"`
	QueuedNonCritical int           `json:"queued_non_critical"`
}

// DispatchDecision reports whether work may proceed right now.
type DispatchDecision struct {
	Allowed  bool   `json:"allowed"`
	Priority string `json:"priority"`
	Reason   string `json:"reason,omitempty"`
}

// RateDecision is the outcome of the quota rate policy.
type RateDecision struct {
	Action       string  `json:"action"`
	QuotaPercent float64 `json:"quota_percent"`
	Priority     string  `json:"priority"`
}

// Service owns the singleton pause state behind a mutex so handlers never
// touch it as ambient global state.
type Service struct {
	audit *auditlog.Recorder
	log   *logger.Logger

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
	reason   string
	queued   int

	now func() time.Time
}

// New creates a running (unpaused) controller.
func New(audit *auditlog.Recorder, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ops")
	}
	return &Service{audit: audit, log: log, now: time.Now}
}

// Pause transitions RUNNING -> PAUSED, recording the reason and timestamp.
func (s *Service) Pause(ctx context.Context, reason string) (PauseState, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return PauseState{}, fmt.Errorf("reason is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return PauseState{}, ErrAlreadyPaused
	}
	s.paused = true
	s.pausedAt = s.now().UTC()
	s.reason = reason
	s.queued = 0

	s.audit.Record(ctx, "automation_pause", map[string]any{"reason": reason})
	s.log.WithField("reason", reason).Warn("automation paused")
	return s.stateLocked(), nil
}

// Resume transitions PAUSED -> RUNNING, reporting the paused duration and
// queued-non-critical count and resetting the counter to a clean baseline.
func (s *Service) Resume(ctx context.Context) (ResumeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return ResumeSummary{}, ErrNotPaused
	}
	pausedFor := s.now().UTC().Sub(s.pausedAt)
	summary := ResumeSummary{
		PausedFor:         pausedFor,
		PausedForSeconds:  pausedFor.Seconds(),
		QueuedNonCritical: s.queued,
	}
	s.paused = false
	s.pausedAt = time.Time{}
	s.reason = ""
	s.queued = 0

	s.audit.Record(ctx, "automation_resume", map[string]any{
		"paused_for_seconds":  summary.PausedForSeconds,
		"queued_non_critical": summary.QueuedNonCritical,
	})
	s.log.WithField("queued_non_critical", summary.QueuedNonCritical).Info("automation resumed")
	return summary, nil
}

// DispatchCheck gates a unit of work by priority. While paused, anything
// below CRITICAL is refused and counted for the resume catch-up summary.
func (s *Service) DispatchCheck(ctx context.Context, priority string) (DispatchDecision, error) {
	p, err := normalizePriority(priority)
	if err != nil {
		return DispatchDecision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused && p != PriorityCritical {
		s.queued++
		metrics.RecordDispatchRefusal()
		s.audit.Record(ctx, "automation_dispatch_refused", map[string]any{
			"priority":            p,
			"queued_non_critical": s.queued,
		})
		return DispatchDecision{Priority: p, Reason: s.reason}, ErrPaused
	}

	s.audit.Record(ctx, "automation_dispatch_allowed", map[string]any{"priority": p})
	return DispatchDecision{Allowed: true, Priority: p}, nil
}

// RateEvaluate defers LOW/MEDIUM work once quota crosses the threshold.
func (s *Service) RateEvaluate(ctx context.Context, quotaPercent float64, priority string) (RateDecision, error) {
	p, err := normalizePriority(priority)
	if err != nil {
		return RateDecision{}, err
	}
	if quotaPercent < 0 || quotaPercent > 100 {
		return RateDecision{}, fmt.Errorf("quota_percent must be between 0 and 100")
	}

	action := ActionAllow
	if quotaPercent > quotaDeferThreshold && (p == PriorityLow || p == PriorityMedium) {
		action = ActionDefer
	}

	s.audit.Record(ctx, "automation_rate_evaluate", map[string]any{
		"quota_percent": quotaPercent,
		"priority":      p,
		"action":        action,
	})
	return RateDecision{Action: action, QuotaPercent: quotaPercent, Priority: p}, nil
}

// State returns a snapshot of the controller state.
func (s *Service) State() PauseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Service) stateLocked() PauseState {
	st := PauseState{Paused: s.paused, Reason: s.reason, QueuedNonCritical: s.queued}
	if s.paused {
		at := s.pausedAt
		st.PausedAt = &at
	}
	return st
}

func normalizePriority(priority string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(priority))
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	case "":
		return "", fmt.Errorf("priority is required")
	default:
		return "", fmt.Errorf("unsupported priority %q", priority)
	}
}
