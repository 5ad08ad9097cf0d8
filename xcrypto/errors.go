package xcrypto

import "errors"

// ErrCrypto is wrapped by every failure originating in this package, so
// call sites can distinguish a crypto failure from an invalid-reference or
// protocol error per spec §7's error taxonomy.
var ErrCrypto = errors.New("xcrypto")

// CryptoError wraps a lower-level failure (bad key, decryption/MAC
// mismatch, malformed ciphertext) with ErrCrypto so errors.Is(err,
// ErrCrypto) identifies it at any call site.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "xcrypto: " + e.Op + ": " + e.Err.Error() }
func (e *CryptoError) Unwrap() error { return e.Err }
func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CryptoError{Op: op, Err: err}
}
