package xcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DHShareLen is the width of a serialized Curve25519 public share.
const DHShareLen = 32

// DiffieSecret is an ephemeral Curve25519 keypair held by a circuit
// builder or joining relay until the handshake completes (spec §4.1:
// generate_diffie_secret).
type DiffieSecret struct {
	private [32]byte
	Public  [DHShareLen]byte
}

// GenerateDiffieSecret creates a fresh ephemeral DH keypair, mirroring the
// teacher's ntor.NewHandshake ephemeral-key generation but without the
// ntor AUTH/identity binding this protocol's hybrid_encrypt_str already
// supplies out of band.
func GenerateDiffieSecret() (*DiffieSecret, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, wrap("generate diffie secret", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, wrap("generate diffie secret", err)
	}
	ds := &DiffieSecret{private: priv}
	copy(ds.Public[:], pub)
	return ds, nil
}

// Close zeroes the ephemeral private key. Call on every path once the
// secret has been consumed or the handshake has failed.
func (d *DiffieSecret) Close() {
	clear(d.private[:])
}

// sharedSecret computes the raw X25519 shared point with a peer's public
// share. Unexported: only GenerateSessionKeys should need it.
func (d *DiffieSecret) sharedSecret(remotePublic [DHShareLen]byte) ([]byte, error) {
	shared, err := curve25519.X25519(d.private[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	var zero [32]byte
	if subtleEqual(shared, zero[:]) {
		return nil, fmt.Errorf("shared secret is all-zeros point")
	}
	return shared, nil
}

func subtleEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
