package xcrypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Direction selects which of the two per-hop session sub-keys a
// cryptographic step uses (spec §3 "Direction map", §4.6).
type Direction uint8

const (
	Originator Direction = iota
	Endpoint
)

func (d Direction) String() string {
	if d == Originator {
		return "ORIGINATOR"
	}
	return "ENDPOINT"
}

// keyLabel and hkdfInfo mirror the teacher's ntor domain-separation
// strings (tKey/tMac/tVerify/mExpand in ntor.go), trimmed to the two
// sub-keys this protocol actually needs.
const keyLabel = "tunnel-go-session-keys-v1"

// SessionKeys holds the two symmetric sub-keys derived from one DH
// exchange (spec §3 "Hop", "Relay session keys").
type SessionKeys struct {
	Originator [32]byte
	Endpoint   [32]byte
}

func (k SessionKeys) Get(dir Direction) [32]byte {
	if dir == Originator {
		return k.Originator
	}
	return k.Endpoint
}

// GenerateSessionKeys derives {ORIGINATOR, ENDPOINT} symmetric keys from
// an ephemeral DH secret and the peer's public share, via HKDF-SHA256 with
// domain separation, the same construction as the teacher's
// ntor.HandshakeState.Complete but expanding two AEAD keys instead of two
// AES keys plus two running-digest seeds (spec §4.1:
// generate_session_keys).
func GenerateSessionKeys(secret *DiffieSecret, remotePublic [DHShareLen]byte) (SessionKeys, error) {
	shared, err := secret.sharedSecret(remotePublic)
	if err != nil {
		return SessionKeys{}, wrap("generate session keys", err)
	}
	defer clear(shared)

	kdf := hkdf.New(sha256.New, shared, []byte(keyLabel), nil)
	var out [64]byte
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return SessionKeys{}, wrap("generate session keys", err)
	}

	var keys SessionKeys
	copy(keys.Originator[:], out[:32])
	copy(keys.Endpoint[:], out[32:])
	clear(out[:])
	return keys, nil
}
