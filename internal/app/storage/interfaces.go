package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
)

// ErrAlreadyFinal is returned when finalizing a transaction that has already
// reached a terminal state.
var ErrAlreadyFinal = errors.New("transaction already finalized")

// ServiceStore persists registered marketplace services.
type ServiceStore interface {
	CreateService(ctx context.Context, svc service.Service) (service.Service, error)
	UpdateService(ctx context.Context, svc service.Service) (service.Service, error)
	GetService(ctx context.Context, id string) (service.Service, error)
	ListServices(ctx context.Context, filter service.Filter) ([]service.Service, error)
}

// TransactionStore is the durable ledger of proxied call attempts.
type TransactionStore interface {
	// CreateTransaction opens a ledger record. The record must exist before
	// the upstream call is made.
	CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)

	// FinalizeTransaction moves a record to a terminal state exactly once.
	// Finalizing an already-terminal record returns ErrAlreadyFinal.
	FinalizeTransaction(ctx context.Context, id string, status transaction.Status, response json.RawMessage, errorDetail string, duration time.Duration) (transaction.Transaction, error)

	GetTransaction(ctx context.Context, id string) (transaction.Transaction, error)
	ListTransactions(ctx context.Context, filter transaction.Filter) ([]transaction.Transaction, error)

	// AggregateTransactions computes count/sum/average over the filtered set
	// in a single range-bounded read.
	AggregateTransactions(ctx context.Context, filter transaction.Filter) (transaction.Aggregate, error)
	DailyAggregates(ctx context.Context, serviceID string, from, to time.Time) ([]transaction.DailyStat, error)

	// ListStaleTransactions returns non-terminal records requested before the
	// cutoff, for the reconciliation sweep.
	ListStaleTransactions(ctx context.Context, olderThan time.Time) ([]transaction.Transaction, error)

	// CountDistinctCallers backs marketplace-wide analytics.
	CountDistinctCallers(ctx context.Context, from time.Time) (int64, error)
}

// NonceStore enforces anti-replay. ConsumeNonce must be a single atomic
// check-and-mark: of N concurrent calls for the same (caller, nonce) pair at
// most one observes true.
type NonceStore interface {
	ConsumeNonce(ctx context.Context, callerAddress, nonce string) (bool, error)
}

// WindowStore is the expiring counter store behind the rate limiter. Incr
// atomically increments the counter for key, creating it with the given TTL
// on first touch, and returns the post-increment count.
type WindowStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
