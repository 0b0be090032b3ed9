package app

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdeck/sidecar/internal/app/domain/connector"
	"github.com/opsdeck/sidecar/internal/app/services/auditlog"
	connectorsvc "github.com/opsdeck/sidecar/internal/app/services/connector"
	dealsvc "github.com/opsdeck/sidecar/internal/app/services/deals"
	filingsvc "github.com/opsdeck/sidecar/internal/app/services/filing"
	"github.com/opsdeck/sidecar/internal/app/services/governance"
	learningsvc "github.com/opsdeck/sidecar/internal/app/services/learning"
	opssvc "github.com/opsdeck/sidecar/internal/app/services/ops"
	patternsvc "github.com/opsdeck/sidecar/internal/app/services/patterns"
	triagesvc "github.com/opsdeck/sidecar/internal/app/services/triage"
	"github.com/opsdeck/sidecar/internal/app/storage"
	"github.com/opsdeck/sidecar/internal/app/storage/memory"
	"github.com/opsdeck/sidecar/internal/app/system"
	"github.com/opsdeck/sidecar/pkg/logger"
)

// Version is the build version reported by /status. Overridden at link time.
var Version = "dev"

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger storage.LedgerStore
	Deals  storage.DealStore
	Tokens storage.TokenStore
}

// Options carries non-store wiring for the application.
type Options struct {
	Profiles  []connector.Profile
	LoginBase string
	GraphBase string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	started time.Time
	ledger  storage.LedgerStore

	Deals      *dealsvc.Service
	Triage     *triagesvc.Service
	Patterns   *patternsvc.Service
	Filing     *filingsvc.Service
	Governance *governance.Service
	Ops        *opssvc.Service
	Learning   *learningsvc.Service
	Connector  *connectorsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Deals == nil {
		stores.Deals = mem
	}
	if stores.Tokens == nil {
		stores.Tokens = mem
	}

	manager := system.NewManager()

	recorder := auditlog.New(stores.Ledger, log)

	dealService := dealsvc.New(stores.Deals, recorder, log)
	patternService := patternsvc.New(stores.Ledger, recorder, log)
	triageService := triagesvc.New(stores.Ledger, patternService, dealService, recorder, log)
	filingService := filingsvc.New(stores.Ledger, recorder, log)
	governanceService := governance.New(recorder, log)
	opsService := opssvc.New(recorder, log)
	learningService := learningsvc.New(recorder, log)
	connectorService := connectorsvc.New(connectorsvc.Config{
		Profiles:  opts.Profiles,
		Tokens:    stores.Tokens,
		LoginBase: opts.LoginBase,
		GraphBase: opts.GraphBase,
	}, recorder, log)

	for _, name := range []string{"ledger", "governance", "ops", "connector"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		started:    time.Now().UTC(),
		ledger:     stores.Ledger,
		Deals:      dealService,
		Triage:     triageService,
		Patterns:   patternService,
		Filing:     filingService,
		Governance: governanceService,
		Ops:        opsService,
		Learning:   learningService,
		Connector:  connectorService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Uptime reports how long the application has been running.
func (a *Application) Uptime() time.Duration {
	return time.Since(a.started)
}

// Ledger exposes the append-only store for status reporting.
func (a *Application) Ledger() storage.LedgerStore {
	return a.ledger
}
