package xcrypto

import "testing"

func TestEncryptDecryptStrRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("onion-wrapped cell payload")

	ciphertext, err := EncryptStr(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptStr(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("mismatch: %q", got)
	}
}

func TestDecryptStrWrongKeyFails(t *testing.T) {
	var key1, key2 [32]byte
	key2[0] = 1

	ciphertext, err := EncryptStr(key1, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptStr(key2, ciphertext); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestDecryptStrTooShort(t *testing.T) {
	var key [32]byte
	if _, err := DecryptStr(key, []byte{1, 2}); err == nil {
		t.Fatal("expected error on short ciphertext")
	}
}

// TestLayeredOnionRoundTrip exercises the onion-layering law a circuit
// build relies on: encrypting once per hop with each hop's own key, then
// peeling in the reverse order with the same keys, recovers the original
// plaintext (spec §8: onion round trip).
func TestLayeredOnionRoundTrip(t *testing.T) {
	keys := make([][32]byte, 3)
	for i := range keys {
		keys[i][0] = byte(i + 1)
	}
	plaintext := []byte("end to end payload")

	wrapped := plaintext
	for i := len(keys) - 1; i >= 0; i-- {
		enc, err := EncryptStr(keys[i], wrapped)
		if err != nil {
			t.Fatalf("encrypt layer %d: %v", i, err)
		}
		wrapped = enc
	}

	peeled := wrapped
	for i := 0; i < len(keys); i++ {
		dec, err := DecryptStr(keys[i], peeled)
		if err != nil {
			t.Fatalf("decrypt layer %d: %v", i, err)
		}
		peeled = dec
	}

	if string(peeled) != string(plaintext) {
		t.Fatalf("onion round trip mismatch: %q", peeled)
	}
}
