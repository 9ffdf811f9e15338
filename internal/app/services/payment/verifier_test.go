package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secp_ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tokenlab-io/marketplace/internal/app/storage/memory"
)

// signPayment produces an r || s || v signature over the canonical payment
// message, the layout callers submit on the wire.
func signPayment(t *testing.T, key *secp256k1.PrivateKey, serviceID, caller string, amount float64, nonce string) string {
	t.Helper()

	hash := MessageHash(serviceID, caller, amount, nonce)
	compact := secp_ecdsa.SignCompact(key, hash, false)

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

func newSigner(t *testing.T) (*secp256k1.PrivateKey, string) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, PubKeyAddress(key.PubKey())
}

func TestVerifier_Verify(t *testing.T) {
	key, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)

	sig := signPayment(t, key, "svc-1", caller, 0.25, "nonce-1")
	if err := verifier.Verify(context.Background(), "svc-1", caller, 0.25, "nonce-1", sig); err != nil {
		t.Fatalf("valid payment rejected: %v", err)
	}
}

func TestVerifier_NonceReplay(t *testing.T) {
	key, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)

	sig := signPayment(t, key, "svc-1", caller, 1, "nonce-1")
	if err := verifier.Verify(context.Background(), "svc-1", caller, 1, "nonce-1", sig); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	if err := verifier.Verify(context.Background(), "svc-1", caller, 1, "nonce-1", sig); !errors.Is(err, ErrNonceUsed) {
		t.Fatalf("replay should return ErrNonceUsed, got %v", err)
	}
}

func TestVerifier_SignerMismatch(t *testing.T) {
	key, _ := newSigner(t)
	_, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)

	// Signed by a different key than the claimed caller.
	sig := signPayment(t, key, "svc-1", caller, 1, "nonce-1")
	if err := verifier.Verify(context.Background(), "svc-1", caller, 1, "nonce-1", sig); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch, got %v", err)
	}
}

func TestVerifier_TamperedMessage(t *testing.T) {
	key, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)

	// Signature covers amount 1; verification runs at amount 2.
	sig := signPayment(t, key, "svc-1", caller, 1, "nonce-1")
	err := verifier.Verify(context.Background(), "svc-1", caller, 2, "nonce-1", sig)
	if !errors.Is(err, ErrSignerMismatch) && !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("tampered message should fail verification, got %v", err)
	}
}

func TestVerifier_MalformedSignature(t *testing.T) {
	_, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)

	cases := map[string]string{
		"not hex":    "0xzzzz",
		"too short":  "0xdeadbeef",
		"empty":      "",
		"bad rec id": "0x" + hex.EncodeToString(make([]byte, 64)) + "05",
		"zero sig":   "0x" + hex.EncodeToString(make([]byte, 65)),
	}
	for name, sig := range cases {
		if err := verifier.Verify(context.Background(), "svc-1", caller, 1, "nonce-"+name, sig); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("%s: expected ErrSignatureInvalid, got %v", name, err)
		}
	}
}

func TestVerifier_ConcurrentSameNonce(t *testing.T) {
	key, caller := newSigner(t)
	verifier := NewVerifier(memory.New(), Secp256k1Recoverer{}, nil)
	sig := signPayment(t, key, "svc-1", caller, 1, "nonce-1")

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- verifier.Verify(context.Background(), "svc-1", caller, 1, "nonce-1", sig)
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrNonceUsed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one concurrent request may win, got %d", winners)
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress("0xab00000000000000000000000000000000000000") {
		t.Fatalf("40 hex chars should be valid")
	}
	for _, bad := range []string{"", "0x123", "abcdef", "0xZZ00000000000000000000000000000000000000"} {
		if ValidAddress(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestAmountWei(t *testing.T) {
	if got := AmountWei(1).String(); got != "1000000000000000000" {
		t.Fatalf("1 token should be 1e18 wei, got %s", got)
	}
	if got := AmountWei(0.5).String(); got != "500000000000000000" {
		t.Fatalf("0.5 token should be 5e17 wei, got %s", got)
	}
	if got := AmountWei(0).String(); got != "0" {
		t.Fatalf("zero amount should be 0 wei, got %s", got)
	}
}
