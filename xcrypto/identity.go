package xcrypto

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
)

// IdentityKeyLen is the width of a serialized long-term identity public key.
const IdentityKeyLen = 32

// IdentityKeyPair is a peer's long-term signing identity, advertised
// through the gossip substrate and used to recognize the same peer
// across circuits (spec §6 "verified candidate").
type IdentityKeyPair struct {
	Public  [IdentityKeyLen]byte
	private [IdentityKeyLen]byte
}

// GenerateIdentityKeypair derives a long-term Ed25519 identity keypair
// from a fresh scalar, the same edwards25519 point-construction the
// teacher's onion/blind.go uses for hidden-service blinded keys, minus
// the blinding step this protocol has no use for.
func GenerateIdentityKeypair(seed [32]byte) (*IdentityKeyPair, error) {
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(seed[:])
	if err != nil {
		return nil, wrap("generate identity keypair", err)
	}
	point := new(edwards25519.Point).ScalarBaseMult(scalar)

	kp := &IdentityKeyPair{}
	copy(kp.Public[:], point.Bytes())
	copy(kp.private[:], seed[:])
	return kp, nil
}

// IsKeyCompatible reports whether a candidate's advertised public key
// decodes to a valid point on the curve, the same defensive point-parse
// the teacher's onion/blind.go performs on every externally-supplied
// blinded key before trusting it. A peer that advertises a malformed or
// off-curve key is excluded from extension-candidate selection (spec
// §4.3: candidate filtering).
func IsKeyCompatible(public [IdentityKeyLen]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(public[:])
	return err == nil
}

// KeyFromPublicBin parses a wire-format public key, returning an error
// instead of a bool so callers building a rejection log line get the
// underlying reason.
func KeyFromPublicBin(blob []byte) ([IdentityKeyLen]byte, error) {
	var out [IdentityKeyLen]byte
	if len(blob) != IdentityKeyLen {
		return out, wrap("key from public bin", fmt.Errorf("want %d bytes, got %d", IdentityKeyLen, len(blob)))
	}
	if _, err := new(edwards25519.Point).SetBytes(blob); err != nil {
		return out, wrap("key from public bin", fmt.Errorf("not a valid curve point: %w", err))
	}
	copy(out[:], blob)
	return out, nil
}

// KeyToHash collapses a long-term public key to the short identifier
// used for candidate deduplication and logging (spec §3 "Candidate").
func KeyToHash(public [IdentityKeyLen]byte) [32]byte {
	return sha256.Sum256(public[:])
}
