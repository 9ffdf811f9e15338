package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
)

func TestStore_ServiceLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateService(ctx, service.Service{
		Name:            "sentiment",
		ProviderAddress: "0xabc",
		Category:        "nlp",
		Active:          true,
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("service not initialised: %+v", created)
	}

	created.Name = "sentiment-v2"
	updated, err := store.UpdateService(ctx, created)
	if err != nil {
		t.Fatalf("update service: %v", err)
	}
	if updated.Name != "sentiment-v2" {
		t.Fatalf("update not applied: %s", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created timestamp must be preserved")
	}

	if _, err := store.GetService(ctx, "missing"); err == nil {
		t.Fatalf("expected error for unknown service")
	}

	inactive := false
	if _, err := store.CreateService(ctx, service.Service{Name: "other", Category: "vision"}); err != nil {
		t.Fatalf("create second service: %v", err)
	}

	listed, err := store.ListServices(ctx, service.Filter{Category: "nlp"})
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("category filter failed: %+v", listed)
	}

	listed, err = store.ListServices(ctx, service.Filter{Active: &inactive})
	if err != nil {
		t.Fatalf("list inactive: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "other" {
		t.Fatalf("active filter failed: %+v", listed)
	}
}

func TestStore_FinalizeTransactionExactlyOnce(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx, err := store.CreateTransaction(ctx, transaction.Transaction{
		ServiceID:     "svc",
		CallerAddress: "0xCaller",
		Amount:        0.5,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if tx.Status != transaction.StatusVerified || tx.RequestedAt.IsZero() {
		t.Fatalf("transaction not initialised: %+v", tx)
	}

	final, err := store.FinalizeTransaction(ctx, tx.ID, transaction.StatusCompleted, json.RawMessage(`{"ok":true}`), "", 120*time.Millisecond)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.CompletedAt.IsZero() || final.DurationMs != 120 {
		t.Fatalf("terminal fields not set: %+v", final)
	}

	if _, err := store.FinalizeTransaction(ctx, tx.ID, transaction.StatusFailed, nil, "late", 0); !errors.Is(err, storage.ErrAlreadyFinal) {
		t.Fatalf("second finalize should return ErrAlreadyFinal, got %v", err)
	}

	got, err := store.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if got.Status != transaction.StatusCompleted {
		t.Fatalf("terminal status must not be overwritten: %s", got.Status)
	}

	if _, err := store.FinalizeTransaction(ctx, tx.ID, transaction.StatusPending, nil, "", 0); err == nil {
		t.Fatalf("finalizing with a non-terminal status must fail")
	}
}

func TestStore_ListStaleTransactions(t *testing.T) {
	store := New()
	ctx := context.Background()

	old, err := store.CreateTransaction(ctx, transaction.Transaction{
		ServiceID:   "svc",
		RequestedAt: time.Now().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create old transaction: %v", err)
	}
	if _, err := store.CreateTransaction(ctx, transaction.Transaction{ServiceID: "svc"}); err != nil {
		t.Fatalf("create fresh transaction: %v", err)
	}
	done, err := store.CreateTransaction(ctx, transaction.Transaction{
		ServiceID:   "svc",
		RequestedAt: time.Now().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create finished transaction: %v", err)
	}
	if _, err := store.FinalizeTransaction(ctx, done.ID, transaction.StatusCompleted, nil, "", 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	stale, err := store.ListStaleTransactions(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the old non-terminal transaction, got %+v", stale)
	}
}

func TestStore_Aggregates(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i, status := range []transaction.Status{transaction.StatusCompleted, transaction.StatusCompleted, transaction.StatusFailed} {
		tx, err := store.CreateTransaction(ctx, transaction.Transaction{
			ServiceID:     "svc",
			CallerAddress: "0xCaller",
			Amount:        1.5,
		})
		if err != nil {
			t.Fatalf("create transaction %d: %v", i, err)
		}
		if _, err := store.FinalizeTransaction(ctx, tx.ID, status, nil, "", 100*time.Millisecond); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}

	agg, err := store.AggregateTransactions(ctx, transaction.Filter{ServiceID: "svc"})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Count != 3 || agg.CompletedCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.AmountSum < 4.499 || agg.AmountSum > 4.501 {
		t.Fatalf("unexpected amount sum: %v", agg.AmountSum)
	}
	if agg.AvgDurationMs < 99 || agg.AvgDurationMs > 101 {
		t.Fatalf("unexpected average duration: %v", agg.AvgDurationMs)
	}

	daily, err := store.DailyAggregates(ctx, "svc", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("daily aggregates: %v", err)
	}
	if len(daily) != 1 || daily[0].Count != 3 {
		t.Fatalf("unexpected daily stats: %+v", daily)
	}

	callers, err := store.CountDistinctCallers(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count callers: %v", err)
	}
	if callers != 1 {
		t.Fatalf("expected one caller, got %d", callers)
	}
}

func TestStore_ConsumeNonce(t *testing.T) {
	store := New()
	ctx := context.Background()

	fresh, err := store.ConsumeNonce(ctx, "0xCaller", "n1")
	if err != nil || !fresh {
		t.Fatalf("first consume should succeed: fresh=%v err=%v", fresh, err)
	}

	fresh, err = store.ConsumeNonce(ctx, "0xcaller", "n1")
	if err != nil || fresh {
		t.Fatalf("replay should be rejected case-insensitively: fresh=%v err=%v", fresh, err)
	}

	fresh, err = store.ConsumeNonce(ctx, "0xCaller", "n2")
	if err != nil || !fresh {
		t.Fatalf("different nonce should be fresh: fresh=%v err=%v", fresh, err)
	}
}

func TestStore_WindowIncr(t *testing.T) {
	store := New()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, err := store.Incr(ctx, "key", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
	}

	time.Sleep(60 * time.Millisecond)

	count, err := store.Incr(ctx, "key", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if count != 1 {
		t.Fatalf("window should reset after TTL, got %d", count)
	}
}
