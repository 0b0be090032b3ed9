// Package httpapi exposes the sidecar's REST surface.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	app "github.com/opsdeck/sidecar/internal/app"
	"github.com/opsdeck/sidecar/internal/app/services/governance"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Options configures the HTTP boundary.
type Options struct {
	// OperatorKey guards every non-health route. Empty disables auth,
	// which is only acceptable in tests.
	OperatorKey string
	// JWTSecret signs session tokens minted by POST /auth/session.
	// Empty falls back to the operator key.
	JWTSecret []byte
	// DataDir is probed for writability by /doctor.
	DataDir string
	// RequestsPerSecond and Burst bound per-client request rates.
	// Zero values disable rate limiting.
	RequestsPerSecond int
	Burst             int
	// AuditMax bounds the in-memory request audit ring.
	AuditMax int

	Log *logger.Logger
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	opts    Options
	audit   *auditLog
	limiter *rateLimiter
	log     *logger.Logger
}

// NewHandler returns a router exposing the full control-plane API.
func NewHandler(application *app.Application, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if len(opts.JWTSecret) == 0 && opts.OperatorKey != "" {
		opts.JWTSecret = []byte(opts.OperatorKey)
	}

	h := &handler{
		app:   application,
		opts:  opts,
		audit: newAuditLog(opts.AuditMax),
		log:   log,
	}
	if opts.RequestsPerSecond > 0 {
		h.limiter = newRateLimiter(opts.RequestsPerSecond, opts.Burst)
	}

	r := mux.NewRouter()

	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/doctor", h.doctor).Methods(http.MethodGet)
	r.HandleFunc("/auth/session", h.authSession).Methods(http.MethodPost)

	r.HandleFunc("/deals/create", h.dealCreate).Methods(http.MethodPost)
	r.HandleFunc("/deals/list", h.dealList).Methods(http.MethodGet)
	r.HandleFunc("/deals/{id}", h.dealGet).Methods(http.MethodGet)

	r.HandleFunc("/triage/ingest", h.triageIngest).Methods(http.MethodPost)
	r.HandleFunc("/triage/list", h.triageList).Methods(http.MethodGet)
	r.HandleFunc("/triage/patterns", h.patternList).Methods(http.MethodGet)
	r.HandleFunc("/triage/patterns/propose", h.patternPropose).Methods(http.MethodPost)
	r.HandleFunc("/triage/patterns/{id}/approve", h.patternApprove).Methods(http.MethodPost)
	r.HandleFunc("/triage/{id}/link", h.triageLink).Methods(http.MethodPost)

	r.HandleFunc("/filing/suggestions", h.filingList).Methods(http.MethodGet)
	r.HandleFunc("/filing/suggestions/propose", h.filingPropose).Methods(http.MethodPost)
	r.HandleFunc("/filing/suggestions/{id}/approve", h.filingApprove).Methods(http.MethodPost)

	r.HandleFunc("/governance/role-cards/validate", h.govRoleCards).Methods(http.MethodPost)
	r.HandleFunc("/governance/hard-bans/check", h.govHardBans).Methods(http.MethodPost)
	r.HandleFunc("/governance/output/validate", h.govOutput).Methods(http.MethodPost)
	r.HandleFunc("/governance/entity/check", h.govEntity).Methods(http.MethodPost)
	r.HandleFunc("/governance/confidence/evaluate", h.govConfidence).Methods(http.MethodPost)
	r.HandleFunc("/governance/contradictions/check", h.govContradictions).Methods(http.MethodPost)
	r.HandleFunc("/governance/escalations/route", h.govEscalations).Methods(http.MethodPost)

	r.HandleFunc("/ops/pause", h.opsPause).Methods(http.MethodPost)
	r.HandleFunc("/ops/resume", h.opsResume).Methods(http.MethodPost)
	r.HandleFunc("/ops/dispatch/check", h.opsDispatchCheck).Methods(http.MethodPost)
	r.HandleFunc("/ops/rate/evaluate", h.opsRateEvaluate).Methods(http.MethodPost)

	r.HandleFunc("/learning/modifiers/evaluate", h.learningModifiers).Methods(http.MethodPost)
	r.HandleFunc("/learning/affinity/route", h.learningAffinity).Methods(http.MethodPost)
	r.HandleFunc("/learning/meetings/capture", h.learningMeetings).Methods(http.MethodPost)

	r.HandleFunc("/graph/diagnostics/classify", h.graphDiagnostics).Methods(http.MethodPost)
	r.HandleFunc("/graph/{profile}/status", h.graphStatus).Methods(http.MethodGet)
	r.HandleFunc("/graph/{profile}/auth/device/start", h.graphDeviceStart).Methods(http.MethodPost)
	r.HandleFunc("/graph/{profile}/auth/device/poll", h.graphDevicePoll).Methods(http.MethodPost)
	r.HandleFunc("/graph/{profile}/auth/revoke", h.graphRevoke).Methods(http.MethodPost)
	r.HandleFunc("/graph/{profile}/mail/draft/create", h.graphDraftCreate).Methods(http.MethodPost)
	r.HandleFunc("/graph/{profile}/calendar/list", h.graphCalendarList).Methods(http.MethodGet)

	r.HandleFunc("/audit/recent", h.auditRecent).Methods(http.MethodGet)

	var out http.Handler = r
	out = h.authMiddleware(out)
	if h.limiter != nil {
		out = h.limiter.wrap(out)
	}
	out = h.auditMiddleware(out)
	return out
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusPayload(r.Context()))
}

func (h *handler) statusPayload(ctx context.Context) map[string]any {
	counts := map[string]int{}
	for _, stream := range storage.Streams {
		records, err := h.app.Ledger().Replay(ctx, stream)
		if err != nil {
			continue
		}
		counts[stream] = len(records)
	}
	return map[string]any{
		"service":        "sidecar",
		"version":        app.Version,
		"uptime_seconds": h.app.Uptime().Seconds(),
		"profiles":       h.app.Connector.Profiles(),
		"ledger_counts":  counts,
		"routes": []string{
			"/deals", "/triage", "/filing", "/governance", "/ops", "/learning", "/graph",
		},
		"guards": []string{
			"role_cards", "hard_bans", "output_contract", "entity_provenance",
			"confidence", "contradictions", "escalations",
		},
	}
}

func (h *handler) doctor(w http.ResponseWriter, r *http.Request) {
	payload := h.statusPayload(r.Context())

	payload["data_dir_writable"] = probeWritable(h.opts.DataDir)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			payload["rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			payload["cpu_percent"] = cpu
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func probeWritable(dir string) bool {
	if dir == "" {
		return false
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

func (h *handler) auditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeDecision emits either the allowed payload or a uniform block body.
// Blocks surface as 409 so callers treat them as policy conflicts, not
// validation mistakes.
func writeDecision(w http.ResponseWriter, d governance.Decision) {
	if d.Allowed {
		writeJSON(w, http.StatusOK, d)
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"blocked":        true,
		"reason_code":    d.ReasonCode,
		"blocked_action": d.BlockedAction,
		"next_safe_step": d.NextSafeStep,
		"details":        d.Details,
	})
}
