// Package proxy implements the payment-gated routing core: rate limiting,
// payment verification, ledger bookkeeping and the upstream call for a
// single request lifecycle.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/metrics"
	"github.com/tokenlab-io/marketplace/internal/app/services/payment"
	"github.com/tokenlab-io/marketplace/internal/app/services/ratelimit"
	"github.com/tokenlab-io/marketplace/internal/app/services/upstream"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

// finalizeTimeout bounds ledger reconciliation writes. Finalization runs on
// a detached context so a cancelled inbound request cannot leave the record
// non-terminal.
const finalizeTimeout = 5 * time.Second

// Result is the unified outcome of a routed call.
type Result struct {
	TransactionID string             `json:"transaction_id"`
	Status        transaction.Status `json:"status"`
	Data          json.RawMessage    `json:"data,omitempty"`
	ErrorDetail   string             `json:"error_detail,omitempty"`
}

// Router orchestrates one proxied call: rate limiter gate, payment
// verification, ledger open, upstream invoke, ledger finalize.
type Router struct {
	services storage.ServiceStore
	ledger   storage.TransactionStore
	limiter  *ratelimit.Limiter
	verifier *payment.Verifier
	invoker  *upstream.Invoker
	log      *logger.Logger
}

// NewRouter wires the routing core. All collaborators are required.
func NewRouter(services storage.ServiceStore, ledger storage.TransactionStore, limiter *ratelimit.Limiter, verifier *payment.Verifier, invoker *upstream.Invoker, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault("proxy")
	}
	return &Router{
		services: services,
		ledger:   ledger,
		limiter:  limiter,
		verifier: verifier,
		invoker:  invoker,
		log:      log,
	}
}

// Route runs the full payment-gated lifecycle for one call. Failures before
// the ledger record exists return a *RouteError with no transaction id;
// once the record is opened it is finalized exactly once, whatever the
// upstream does.
func (r *Router) Route(ctx context.Context, serviceID, callerAddress string, payload json.RawMessage, signature, nonce string) (Result, error) {
	start := time.Now()

	// 1. Resolve the service; inactive services are never routable.
	svc, err := r.services.GetService(ctx, serviceID)
	if err != nil {
		return r.fail(routeErr(CategoryServiceUnavailable, "service not found", err), start)
	}
	if !svc.Active {
		return r.fail(routeErr(CategoryServiceUnavailable, "service is inactive", nil), start)
	}

	// 2. Rate limiter gate.
	allowed, err := r.limiter.Allow(ctx, svc.ID, callerAddress, svc.RateLimit)
	if err != nil {
		return r.fail(routeErr(CategoryRateLimitExceeded, "rate limit check failed", err), start)
	}
	if !allowed {
		metrics.RateLimitRejected()
		return r.fail(routeErr(CategoryRateLimitExceeded, fmt.Sprintf("rate limit of %d requests per minute exceeded", svc.RateLimit), nil), start)
	}

	// 3. Payment verification at the service's declared price.
	if err := r.verifier.Verify(ctx, svc.ID, callerAddress, svc.BasePrice, nonce, signature); err != nil {
		return r.fail(routeErr(CategoryPaymentVerificationFailed, err.Error(), err), start)
	}

	// 4. Open the ledger record. The upstream must not be called without
	// one, or the call would be unbilled and unaudited.
	tx, err := r.ledger.CreateTransaction(ctx, transaction.Transaction{
		ServiceID:      svc.ID,
		CallerAddress:  callerAddress,
		Amount:         svc.BasePrice,
		Currency:       svc.Currency,
		Nonce:          nonce,
		Status:         transaction.StatusVerified,
		RequestPayload: payload,
	})
	if err != nil {
		return r.fail(routeErr(CategoryLedgerError, "failed to record transaction", err), start)
	}

	// 5. Upstream call with the service's configured bound.
	outcome, invokeErr := r.invoker.Invoke(ctx, svc.EndpointURL, payload, svc.Timeout())

	// 6. Finalize, whatever happened upstream. The ledger must never show
	// this record non-terminal once the call has resolved.
	switch {
	case invokeErr != nil:
		metrics.ObserveUpstream("transport_error", outcome.Duration)
		detail := invokeErr.Error()
		r.finalize(ctx, tx.ID, transaction.StatusFailed, nil, detail, outcome.Duration)
		result := Result{TransactionID: tx.ID, Status: transaction.StatusFailed, ErrorDetail: detail}
		routeFailed := routeErr(CategoryUpstreamTransport, detail, invokeErr)
		routeFailed.TransactionID = tx.ID
		metrics.ObserveRoute(string(CategoryUpstreamTransport), time.Since(start))
		return result, routeFailed

	case !outcome.OK():
		metrics.ObserveUpstream("application_error", outcome.Duration)
		detail := fmt.Sprintf("HTTP %d: %s", outcome.StatusCode, string(outcome.Body))
		r.finalize(ctx, tx.ID, transaction.StatusFailed, outcome.Body, detail, outcome.Duration)
		result := Result{TransactionID: tx.ID, Status: transaction.StatusFailed, Data: outcome.Body, ErrorDetail: detail}
		routeFailed := routeErr(CategoryUpstreamApplication, detail, nil)
		routeFailed.TransactionID = tx.ID
		metrics.ObserveRoute(string(CategoryUpstreamApplication), time.Since(start))
		return result, routeFailed

	default:
		metrics.ObserveUpstream("ok", outcome.Duration)
		r.finalize(ctx, tx.ID, transaction.StatusCompleted, outcome.Body, "", outcome.Duration)
		metrics.ObserveRoute("completed", time.Since(start))
		r.log.WithField("transaction_id", tx.ID).
			WithField("service_id", svc.ID).
			WithField("duration_ms", outcome.Duration.Milliseconds()).
			Info("request routed")
		return Result{TransactionID: tx.ID, Status: transaction.StatusCompleted, Data: outcome.Body}, nil
	}
}

// finalize writes the terminal state on a detached context so cancellation
// of the inbound request cannot strand the record. An already-final record
// is a programming error and is logged, never overwritten.
func (r *Router) finalize(ctx context.Context, txID string, status transaction.Status, response json.RawMessage, errorDetail string, duration time.Duration) {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if _, err := r.ledger.FinalizeTransaction(finalizeCtx, txID, status, response, errorDetail, duration); err != nil {
		if errors.Is(err, storage.ErrAlreadyFinal) {
			r.log.WithField("transaction_id", txID).Error("attempted to finalize a terminal transaction")
			return
		}
		r.log.WithError(err).WithField("transaction_id", txID).Error("failed to finalize transaction")
	}
}

func (r *Router) fail(rerr *RouteError, start time.Time) (Result, error) {
	metrics.ObserveRoute(string(rerr.Category), time.Since(start))
	return Result{Status: transaction.StatusFailed, ErrorDetail: rerr.Error()}, rerr
}
