package xcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceLen is the width of a secretbox nonce.
const NonceLen = 24

// EncryptStr seals plaintext under a per-hop session key using
// XSalsa20-Poly1305 (nacl/secretbox), the symmetric layer every cell
// payload passes through once per hop on the way out (spec §4.6:
// encrypt_str, used by crypto_out/crypto_relay).
//
// The nonce is prepended to the sealed output so DecryptStr is a pure
// function of (key, ciphertext).
func EncryptStr(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, wrap("encrypt", err)
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, &key)
	out := make([]byte, 0, NonceLen+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptStr opens an EncryptStr ciphertext, peeling exactly one layer
// (spec §4.6: decrypt_str, used by crypto_in/crypto_relay). Returns a
// CryptoError both when the ciphertext is shorter than the nonce and when
// the MAC fails to verify.
func DecryptStr(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceLen {
		return nil, wrap("decrypt", fmt.Errorf("ciphertext shorter than nonce: %d bytes", len(ciphertext)))
	}
	var nonce [NonceLen]byte
	copy(nonce[:], ciphertext[:NonceLen])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceLen:], &nonce, &key)
	if !ok {
		return nil, wrap("decrypt", fmt.Errorf("secretbox open failed: bad key or corrupt cell"))
	}
	return plaintext, nil
}
