package circuit

import (
	"fmt"

	"github.com/cvsouth/tunnel-go/xcrypto"
)

// CryptoOut onion-wraps an outbound payload, innermost hop first (spec
// §4.6 crypto_out). A cid that is ours encrypts once per confirmed hop in
// reverse order with each hop's ENDPOINT key; a cid we only relayed
// through encrypts once with the relay's ORIGINATOR key, mirroring the
// teacher's EncryptRelay onion-layering loop in circuit/relay.go but over
// one symmetric key per hop instead of a running AES-CTR stream.
func (t *Tables) CryptoOut(cid uint32, plaintext []byte) ([]byte, error) {
	if c, ok := t.circuits[cid]; ok {
		out := plaintext
		for i := len(c.Hops) - 1; i >= 0; i-- {
			enc, err := xcrypto.EncryptStr(c.Hops[i].SessionKeys.Get(xcrypto.Endpoint), out)
			if err != nil {
				return nil, fmt.Errorf("crypto_out hop %d: %w", i, err)
			}
			out = enc
		}
		return out, nil
	}
	if keys, ok := t.relaySessionKeys[cid]; ok {
		out, err := xcrypto.EncryptStr(keys.Get(xcrypto.Originator), plaintext)
		if err != nil {
			return nil, fmt.Errorf("crypto_out relay: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("crypto_out: %w: unknown circuit %d", xcrypto.ErrCrypto, cid)
}

// CryptoIn peels an inbound payload, outermost hop first (spec §4.6
// crypto_in).
func (t *Tables) CryptoIn(cid uint32, ciphertext []byte) ([]byte, error) {
	if c, ok := t.circuits[cid]; ok && len(c.Hops) > 0 {
		out := ciphertext
		for i, hop := range c.Hops {
			dec, err := xcrypto.DecryptStr(hop.SessionKeys.Get(xcrypto.Originator), out)
			if err != nil {
				return nil, fmt.Errorf("crypto_in hop %d: %w", i, err)
			}
			out = dec
		}
		return out, nil
	}
	if keys, ok := t.relaySessionKeys[cid]; ok {
		out, err := xcrypto.DecryptStr(keys.Get(xcrypto.Endpoint), ciphertext)
		if err != nil {
			return nil, fmt.Errorf("crypto_in relay: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("crypto_in: %w: unknown circuit %d", xcrypto.ErrCrypto, cid)
}

// CryptoRelay applies exactly one layer of symmetric crypto to a cell
// passing through this peer as a middle hop, keyed by the recorded
// direction for cid (spec §4.6 "Relay path"): direction ORIGINATOR
// encrypts with the ORIGINATOR sub-key; direction ENDPOINT decrypts with
// the ENDPOINT sub-key.
func (t *Tables) CryptoRelay(cid uint32, payload []byte) ([]byte, error) {
	dir, ok := t.directions[cid]
	if !ok {
		return nil, fmt.Errorf("crypto_relay: %w: no direction for circuit %d", xcrypto.ErrCrypto, cid)
	}
	keys, ok := t.relaySessionKeys[cid]
	if !ok {
		return nil, fmt.Errorf("crypto_relay: %w: no session keys for circuit %d", xcrypto.ErrCrypto, cid)
	}
	switch dir {
	case xcrypto.Originator:
		out, err := xcrypto.EncryptStr(keys.Get(xcrypto.Originator), payload)
		if err != nil {
			return nil, fmt.Errorf("crypto_relay encrypt: %w", err)
		}
		return out, nil
	case xcrypto.Endpoint:
		out, err := xcrypto.DecryptStr(keys.Get(xcrypto.Endpoint), payload)
		if err != nil {
			return nil, fmt.Errorf("crypto_relay decrypt: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("crypto_relay: %w: unknown direction %v for circuit %d", xcrypto.ErrCrypto, dir, cid)
	}
}
