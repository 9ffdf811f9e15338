package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/metrics"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/internal/app/system"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

var _ system.Service = (*Reconciler)(nil)

// Reconciler periodically fails transactions left non-terminal past their
// service's timeout, closing the window where a crash between the upstream
// call and finalization would strand a pending record.
type Reconciler struct {
	services storage.ServiceStore
	ledger   storage.TransactionStore
	log      *logger.Logger
	interval time.Duration
	grace    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReconciler constructs the lifecycle-managed sweep.
func NewReconciler(services storage.ServiceStore, ledger storage.TransactionStore, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("ledger-reconciler")
	}
	return &Reconciler{
		services: services,
		ledger:   ledger,
		log:      log,
		interval: 30 * time.Second,
		grace:    30 * time.Second,
	}
}

// WithInterval overrides the sweep interval.
func (r *Reconciler) WithInterval(interval time.Duration) *Reconciler {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithGrace overrides the slack added to a service's timeout before a
// non-terminal record is considered abandoned.
func (r *Reconciler) WithGrace(grace time.Duration) *Reconciler {
	if grace >= 0 {
		r.grace = grace
	}
	return r
}

func (r *Reconciler) Name() string { return "ledger-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.Sweep(runCtx)
			}
		}
	}()

	r.log.Info("ledger reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("ledger reconciler stopped")
	return nil
}

// Sweep runs one reconciliation pass. A record is abandoned when it is
// still non-terminal after its service's timeout plus the grace period; the
// router would have finalized it by then in any surviving process.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.grace)
	stale, err := r.ledger.ListStaleTransactions(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Warn("list stale transactions")
		return
	}

	for _, tx := range stale {
		timeout := 30 * time.Second
		if svc, err := r.services.GetService(ctx, tx.ServiceID); err == nil {
			timeout = svc.Timeout()
		}
		deadline := tx.RequestedAt.Add(timeout + r.grace)
		if time.Now().UTC().Before(deadline) {
			continue
		}

		elapsed := time.Since(tx.RequestedAt)
		_, err := r.ledger.FinalizeTransaction(ctx, tx.ID, transaction.StatusFailed, nil, "upstream call never completed; reconciled as timed out", elapsed)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyFinal) {
				continue
			}
			r.log.WithError(err).WithField("transaction_id", tx.ID).Warn("reconcile stale transaction")
			continue
		}
		metrics.TransactionReconciled()
		r.log.WithField("transaction_id", tx.ID).
			WithField("service_id", tx.ServiceID).
			Warn("stale transaction reconciled as failed")
	}
}
