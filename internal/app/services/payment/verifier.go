// Package payment verifies signed payment authorizations with replay
// protection.
package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

var (
	// ErrNonceUsed indicates the (caller, nonce) pair was already consumed.
	ErrNonceUsed = errors.New("nonce already used")
	// ErrSignatureInvalid indicates a malformed or unverifiable signature.
	ErrSignatureInvalid = errors.New("invalid payment signature")
	// ErrSignerMismatch indicates the recovered signer is not the caller.
	ErrSignerMismatch = errors.New("signature not from caller address")
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// AddressRecoverer recovers the signing address from a message hash and a
// signature. Abstracting this keeps the verifier independent of the curve
// and library backing it.
type AddressRecoverer interface {
	RecoverAddress(hash, signature []byte) (string, error)
}

// Verifier checks a payment authorization: the nonce must be fresh and the
// signature must have been produced by the caller over the canonical
// payment message.
type Verifier struct {
	nonces    storage.NonceStore
	recoverer AddressRecoverer
	log       *logger.Logger
}

// NewVerifier constructs a verifier over the given nonce store and recovery
// capability.
func NewVerifier(nonces storage.NonceStore, recoverer AddressRecoverer, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &Verifier{
		nonces:    nonces,
		recoverer: recoverer,
		log:       log,
	}
}

// Verify checks the authorization for a single paid call. The nonce is
// consumed atomically before signature recovery, so two concurrent requests
// with the same nonce cannot both pass. Malformed signatures are a
// verification failure, never a panic.
func (v *Verifier) Verify(ctx context.Context, serviceID, callerAddress string, amount float64, nonce, signature string) error {
	fresh, err := v.nonces.ConsumeNonce(ctx, callerAddress, nonce)
	if err != nil {
		return fmt.Errorf("nonce lookup: %w", err)
	}
	if !fresh {
		return ErrNonceUsed
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	hash := MessageHash(serviceID, callerAddress, amount, nonce)
	recovered, err := v.recoverer.RecoverAddress(hash, sigBytes)
	if err != nil {
		v.log.WithError(err).WithField("service_id", serviceID).Debug("signature recovery failed")
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if !strings.EqualFold(recovered, callerAddress) {
		return ErrSignerMismatch
	}
	return nil
}

// MessageHash computes the Keccak-256 digest of the canonical payment
// message: serviceID, caller address, amount in wei, nonce, concatenated in
// that order.
func MessageHash(serviceID, callerAddress string, amount float64, nonce string) []byte {
	message := serviceID + callerAddress + AmountWei(amount).String() + nonce
	return Keccak256([]byte(message))
}

// AmountWei converts a decimal token amount to wei (1e18 base units).
func AmountWei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18)).Int(nil)
	return wei
}
