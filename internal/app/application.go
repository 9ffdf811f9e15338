package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/services/analytics"
	"github.com/tokenlab-io/marketplace/internal/app/services/payment"
	"github.com/tokenlab-io/marketplace/internal/app/services/proxy"
	"github.com/tokenlab-io/marketplace/internal/app/services/ratelimit"
	"github.com/tokenlab-io/marketplace/internal/app/services/registry"
	"github.com/tokenlab-io/marketplace/internal/app/services/upstream"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/internal/app/storage/memory"
	"github.com/tokenlab-io/marketplace/internal/app/system"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Services     storage.ServiceStore
	Transactions storage.TransactionStore
	Nonces       storage.NonceStore
	Windows      storage.WindowStore
}

// Options tunes application behaviour. The zero value is usable.
type Options struct {
	// ProxyBaseURL is the public base used to build per-service proxy URLs.
	ProxyBaseURL string
	// RateWindow is the fixed rate-limiting window.
	RateWindow time.Duration
	// RateFailOpen admits requests when the window store is unreachable.
	RateFailOpen bool
	// ReconcileInterval and ReconcileGrace tune the stale-transaction sweep.
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	// UpstreamClient overrides the HTTP client used for provider calls.
	UpstreamClient *http.Client
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Registry  *registry.Service
	Proxy     *proxy.Router
	Analytics *analytics.Service
	Ledger    storage.TransactionStore
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Services == nil {
		stores.Services = mem
	}
	if stores.Transactions == nil {
		stores.Transactions = mem
	}
	if stores.Nonces == nil {
		stores.Nonces = mem
	}
	if stores.Windows == nil {
		stores.Windows = mem
	}

	manager := system.NewManager()

	registryService := registry.New(stores.Services, opts.ProxyBaseURL, log)

	limiterOpts := []ratelimit.Option{ratelimit.WithFailOpen(opts.RateFailOpen)}
	if opts.RateWindow > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithWindow(opts.RateWindow))
	}
	limiter := ratelimit.New(stores.Windows, log, limiterOpts...)

	verifier := payment.NewVerifier(stores.Nonces, payment.Secp256k1Recoverer{}, log)
	invoker := upstream.New(opts.UpstreamClient, log)
	router := proxy.NewRouter(stores.Services, stores.Transactions, limiter, verifier, invoker, log)
	analyticsService := analytics.New(stores.Services, stores.Transactions, log)

	reconciler := proxy.NewReconciler(stores.Services, stores.Transactions, log).
		WithInterval(opts.ReconcileInterval)
	if opts.ReconcileGrace > 0 {
		reconciler = reconciler.WithGrace(opts.ReconcileGrace)
	}
	if err := manager.Register(reconciler); err != nil {
		return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
	}

	return &Application{
		manager:   manager,
		log:       log,
		Registry:  registryService,
		Proxy:     router,
		Analytics: analyticsService,
		Ledger:    stores.Transactions,
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
