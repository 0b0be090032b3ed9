package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsdeck/sidecar/internal/app/metrics"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/pkg/logger"
)

func newService() *Service {
	log := logger.NewNop()
	return New(auditlog.New(memory.New(), log), log)
}

func TestPauseResumeLifecycle(t *testing.T) {
	s := newService()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if _, err := s.Pause(ctx, ""); err == nil {
		t.Fatal("expected error for empty reason")
	}

	state, err := s.Pause(ctx, "quota spike")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !state.Paused || state.Reason != "quota spike" || state.PausedAt == nil {
		t.Fatalf("unexpected state: %+v", state)
	}

	if _, err := s.Pause(ctx, "again"); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("expected ErrAlreadyPaused, got %v", err)
	}

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	summary, err := s.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if summary.PausedForSeconds != 90 {
		t.Fatalf("expected 90s paused, got %v", summary.PausedForSeconds)
	}

	if _, err := s.Resume(ctx); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestDispatchCheckWhilePaused(t *testing.T) {
	s := newService()
	ctx := context.Background()

	if _, err := s.Pause(ctx, "maintenance"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := s.DispatchCheck(ctx, "low"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused for LOW, got %v", err)
	}
	if _, err := s.DispatchCheck(ctx, "HIGH"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused for HIGH, got %v", err)
	}

	decision, err := s.DispatchCheck(ctx, "critical")
	if err != nil {
		t.Fatalf("CRITICAL dispatch while paused: %v", err)
	}
	if !decision.Allowed || decision.Priority != PriorityCritical {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	summary, err := s.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if summary.QueuedNonCritical != 2 {
		t.Fatalf("expected 2 queued refusals, got %d", summary.QueuedNonCritical)
	}

	// Counter resets on resume.
	if s.State().QueuedNonCritical != 0 {
		t.Fatal("expected queued counter reset")
	}

	decision, err = s.DispatchCheck(ctx, "low")
	if err != nil || !decision.Allowed {
		t.Fatalf("expected LOW allowed after resume, got %+v %v", decision, err)
	}
}

func TestDispatchCheckRejectsUnknownPriority(t *testing.T) {
	s := newService()
	if _, err := s.DispatchCheck(context.Background(), "urgent-ish"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
	if _, err := s.DispatchCheck(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty priority")
	}
}

func TestRateEvaluate(t *testing.T) {
	s := newService()
	ctx := context.Background()

	cases := []struct {
		quota    float64
		priority string
		want     string
	}{
		{85, "MEDIUM", ActionDefer},
		{85, "LOW", ActionDefer},
		{85, "HIGH", ActionAllow},
		{85, "CRITICAL", ActionAllow},
		{80, "LOW", ActionAllow},
		{50, "LOW", ActionAllow},
	}
	for _, tc := range cases {
		decision, err := s.RateEvaluate(ctx, tc.quota, tc.priority)
		if err != nil {
			t.Fatalf("rate %v/%s: %v", tc.quota, tc.priority, err)
		}
		if decision.Action != tc.want {
			t.Fatalf("rate %v/%s: expected %s, got %s", tc.quota, tc.priority, tc.want, decision.Action)
		}
	}

	if _, err := s.RateEvaluate(ctx, 101, "LOW"); err == nil {
		t.Fatal("expected error for quota > 100")
	}
	if _, err := s.RateEvaluate(ctx, -1, "LOW"); err == nil {
		t.Fatal("expected error for negative quota")
	}
}

func refusalTotal(t *testing.T) float64 {
	t.Helper()
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "sidecar_automation_dispatch_refusals_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestDispatchRefusalCounted(t *testing.T) {
	s := newService()
	ctx := context.Background()

	if _, err := s.Pause(ctx, "maintenance"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	before := refusalTotal(t)
	if _, err := s.DispatchCheck(ctx, "LOW"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if after := refusalTotal(t); after != before+1 {
		t.Fatalf("expected refusal counter %v, got %v", before+1, after)
	}

	// Allowed dispatches are not counted as refusals.
	if _, err := s.DispatchCheck(ctx, "CRITICAL"); err != nil {
		t.Fatalf("critical dispatch: %v", err)
	}
	if after := refusalTotal(t); after != before+1 {
		t.Fatalf("critical dispatch must not move the counter, got %v", after)
	}
}
