package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secp_ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/services/payment"
	"github.com/tokenlab-io/marketplace/internal/app/services/ratelimit"
	"github.com/tokenlab-io/marketplace/internal/app/services/upstream"
	"github.com/tokenlab-io/marketplace/internal/app/storage/memory"
)

type fixture struct {
	store  *memory.Store
	router *Router
	key    *secp256k1.PrivateKey
	caller string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	store := memory.New()
	router := NewRouter(
		store,
		store,
		ratelimit.New(store, nil),
		payment.NewVerifier(store, payment.Secp256k1Recoverer{}, nil),
		upstream.New(nil, nil),
		nil,
	)

	return &fixture{
		store:  store,
		router: router,
		key:    key,
		caller: payment.PubKeyAddress(key.PubKey()),
	}
}

func (f *fixture) addService(t *testing.T, endpoint string, mutate func(*service.Service)) service.Service {
	t.Helper()

	svc := service.Service{
		Name:           "svc",
		EndpointURL:    endpoint,
		BasePrice:      0.5,
		Currency:       "ETH",
		Active:         true,
		RateLimit:      100,
		TimeoutSeconds: 1,
	}
	if mutate != nil {
		mutate(&svc)
	}

	created, err := f.store.CreateService(context.Background(), svc)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return created
}

func (f *fixture) sign(t *testing.T, serviceID string, amount float64, nonce string) string {
	t.Helper()

	hash := payment.MessageHash(serviceID, f.caller, amount, nonce)
	compact := secp_ecdsa.SignCompact(f.key, hash, false)

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

func routeCategory(t *testing.T, err error) Category {
	t.Helper()
	var rerr *RouteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RouteError, got %v", err)
	}
	return rerr.Category
}

func TestRouter_CompletedCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer": 42}`))
	}))
	defer server.Close()

	f := newFixture(t)
	svc := f.addService(t, server.URL, nil)

	result, err := f.router.Route(context.Background(), svc.ID, f.caller, json.RawMessage(`{"q":"?"}`), f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Status != transaction.StatusCompleted {
		t.Fatalf("unexpected status: %s", result.Status)
	}
	if string(result.Data) != `{"answer": 42}` {
		t.Fatalf("response not passed through: %s", result.Data)
	}

	tx, err := f.store.GetTransaction(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("ledger record missing: %v", err)
	}
	if tx.Status != transaction.StatusCompleted || tx.CompletedAt.IsZero() {
		t.Fatalf("ledger record not finalized: %+v", tx)
	}
	if tx.Amount != svc.BasePrice || !strings.EqualFold(tx.CallerAddress, f.caller) {
		t.Fatalf("billing fields wrong: %+v", tx)
	}
}

func TestRouter_UnknownService(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Route(context.Background(), "missing", f.caller, nil, "0x00", "n1")
	if routeCategory(t, err) != CategoryServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", err)
	}

	txs, _ := f.store.ListTransactions(context.Background(), transaction.Filter{})
	if len(txs) != 0 {
		t.Fatalf("no ledger record may exist for an unroutable call")
	}
}

func TestRouter_InactiveService(t *testing.T) {
	f := newFixture(t)
	svc := f.addService(t, "http://127.0.0.1:1", func(s *service.Service) { s.Active = false })

	_, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1")
	if routeCategory(t, err) != CategoryServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", err)
	}
}

func TestRouter_RateLimitBeforePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newFixture(t)
	svc := f.addService(t, server.URL, func(s *service.Service) { s.RateLimit = 1 })

	if _, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	// Second call is over quota. The nonce must survive for a later retry:
	// the limiter gate runs before payment verification.
	_, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n2"), "n2")
	if routeCategory(t, err) != CategoryRateLimitExceeded {
		t.Fatalf("expected rate_limit_exceeded, got %v", err)
	}

	txs, _ := f.store.ListTransactions(context.Background(), transaction.Filter{})
	if len(txs) != 1 {
		t.Fatalf("rejected call must not open a ledger record, got %d", len(txs))
	}

	fresh, err := f.store.ConsumeNonce(context.Background(), f.caller, "n2")
	if err != nil || !fresh {
		t.Fatalf("nonce must not be consumed by a rate-limited call: fresh=%v err=%v", fresh, err)
	}
}

func TestRouter_NonceReplayRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newFixture(t)
	svc := f.addService(t, server.URL, nil)
	sig := f.sign(t, svc.ID, svc.BasePrice, "n1")

	if _, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, sig, "n1"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}

	_, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, sig, "n1")
	if routeCategory(t, err) != CategoryPaymentVerificationFailed {
		t.Fatalf("expected payment_verification_failed, got %v", err)
	}

	txs, _ := f.store.ListTransactions(context.Background(), transaction.Filter{})
	if len(txs) != 1 {
		t.Fatalf("replayed call must not open a ledger record, got %d", len(txs))
	}
}

func TestRouter_UpstreamApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "boom"}`))
	}))
	defer server.Close()

	f := newFixture(t)
	svc := f.addService(t, server.URL, nil)

	result, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1")
	if routeCategory(t, err) != CategoryUpstreamApplication {
		t.Fatalf("expected upstream_application_error, got %v", err)
	}
	if result.TransactionID == "" {
		t.Fatalf("failed upstream calls still carry a ledger record")
	}

	tx, err := f.store.GetTransaction(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if tx.Status != transaction.StatusFailed {
		t.Fatalf("unexpected status: %s", tx.Status)
	}
	if !strings.Contains(tx.ErrorDetail, "HTTP 500") || !strings.Contains(tx.ErrorDetail, "boom") {
		t.Fatalf("error detail must capture upstream status and body: %q", tx.ErrorDetail)
	}
}

func TestRouter_UpstreamTimeoutFinalizes(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	f := newFixture(t)
	svc := f.addService(t, server.URL, func(s *service.Service) { s.TimeoutSeconds = 1 })

	start := time.Now()
	result, err := f.router.Route(context.Background(), svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1")
	if routeCategory(t, err) != CategoryUpstreamTransport {
		t.Fatalf("expected upstream_transport_error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}

	tx, err := f.store.GetTransaction(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !tx.Status.Terminal() || tx.Status != transaction.StatusFailed {
		t.Fatalf("timed-out call must be finalized as failed: %+v", tx)
	}
	if tx.CompletedAt.IsZero() {
		t.Fatalf("terminal record must carry a completion timestamp")
	}
}

func TestRouter_FinalizesOnCancelledRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	f := newFixture(t)
	svc := f.addService(t, server.URL, func(s *service.Service) { s.TimeoutSeconds = 10 })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := f.router.Route(ctx, svc.ID, f.caller, nil, f.sign(t, svc.ID, svc.BasePrice, "n1"), "n1")
	if err == nil {
		t.Fatalf("cancelled request should fail")
	}

	// Finalization runs on a detached context; the record must be terminal
	// even though the inbound request was cancelled.
	tx, err := f.store.GetTransaction(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if !tx.Status.Terminal() {
		t.Fatalf("record left non-terminal after cancellation: %+v", tx)
	}
}
