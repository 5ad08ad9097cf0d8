package xcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// BoxKeyLen is the width of a nacl/box Curve25519 public/private key.
const BoxKeyLen = 32

// HybridKeyPair is a peer's long-term box keypair, used only to receive
// the initial DH public share in CREATE/EXTEND (spec §4.1).
type HybridKeyPair struct {
	Public  [BoxKeyLen]byte
	private [BoxKeyLen]byte
}

// GenerateHybridKeyPair creates a fresh long-term box keypair. A peer
// generates this once and advertises HybridKeyPair.Public through the
// gossip substrate (spec §6 "verified candidate").
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, wrap("generate hybrid keypair", err)
	}
	kp := &HybridKeyPair{Public: *pub}
	copy(kp.private[:], priv[:])
	return kp, nil
}

// HybridEncrypt seals plaintext to a peer's long-term public key using an
// ephemeral sender keypair (nacl/box: Curve25519 + XSalsa20-Poly1305),
// matching the spec's "hybrid (asymmetric+symmetric) encryption ...
// used only for the initial DH public-share delivery in create/extend"
// (spec §4.1).
func HybridEncrypt(peerPublic [BoxKeyLen]byte, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, wrap("hybrid encrypt", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, wrap("hybrid encrypt", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, (*[32]byte)(&peerPublic), ephPriv)

	out := make([]byte, 0, BoxKeyLen+len(nonce)+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// HybridDecrypt opens a HybridEncrypt ciphertext with the recipient's
// long-term private key.
func (kp *HybridKeyPair) HybridDecrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < BoxKeyLen+24 {
		return nil, wrap("hybrid decrypt", fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext)))
	}
	var ephPub [BoxKeyLen]byte
	copy(ephPub[:], ciphertext[:BoxKeyLen])
	var nonce [24]byte
	copy(nonce[:], ciphertext[BoxKeyLen:BoxKeyLen+24])
	sealed := ciphertext[BoxKeyLen+24:]

	plaintext, ok := box.Open(nil, sealed, &nonce, &ephPub, (*[32]byte)(&kp.private))
	if !ok {
		return nil, wrap("hybrid decrypt", fmt.Errorf("box open failed (bad key or corrupt ciphertext)"))
	}
	return plaintext, nil
}
