package payment

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secp_ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Secp256k1Recoverer implements AddressRecoverer for secp256k1 signatures
// with EVM-style 20-byte addresses. Signatures are 65 bytes in r || s || v
// layout with v in {0, 1, 27, 28}.
type Secp256k1Recoverer struct{}

var _ AddressRecoverer = Secp256k1Recoverer{}

// RecoverAddress recovers the public key that signed hash and derives its
// address: the last 20 bytes of the Keccak-256 of the uncompressed public
// key.
func (Secp256k1Recoverer) RecoverAddress(hash, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	v := signature[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("invalid recovery id %d", signature[64])
	}

	// RecoverCompact expects the recovery byte first.
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], signature[:64])

	pub, _, err := secp_ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return PubKeyAddress(pub), nil
}

// PubKeyAddress derives the hex address of a secp256k1 public key.
func PubKeyAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}

// Keccak256 computes the legacy Keccak-256 digest of the concatenated
// inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}
