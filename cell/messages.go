package cell

import (
	"encoding/binary"
	"fmt"
)

// PubKeyLen is the fixed width of a serialized long-term public key
// (Ed25519, raw encoding).
const PubKeyLen = 32

// DHShareLen is the fixed width of a serialized Curve25519 DH public share.
const DHShareLen = 32

// CreatePayload is the tail of a CREATE cell: the hybrid-encrypted DH
// public share, addressed to the first hop's long-term key. It travels
// unwrapped by the generic per-hop symmetric cipher (spec §4.6: "decrypt
// payload (symmetric) unless kind ∈ {create, created}").
type CreatePayload struct {
	DHShareEnc []byte
}

func (p CreatePayload) Marshal() []byte { return append([]byte(nil), p.DHShareEnc...) }

func ParseCreatePayload(tail []byte) CreatePayload {
	return CreatePayload{DHShareEnc: append([]byte(nil), tail...)}
}

// CreatedPayload is the tail of a CREATED cell: the responder's DH public
// share in the clear, followed by the length-prefixed candidate list
// encrypted under the freshly derived ENDPOINT session key.
type CreatedPayload struct {
	DHShare          [DHShareLen]byte
	CandidateListEnc []byte
}

func (p CreatedPayload) Marshal() []byte {
	out := make([]byte, DHShareLen+2+len(p.CandidateListEnc))
	copy(out[:DHShareLen], p.DHShare[:])
	binary.BigEndian.PutUint16(out[DHShareLen:DHShareLen+2], uint16(len(p.CandidateListEnc)))
	copy(out[DHShareLen+2:], p.CandidateListEnc)
	return out
}

func ParseCreatedPayload(tail []byte) (CreatedPayload, error) {
	if len(tail) < DHShareLen+2 {
		return CreatedPayload{}, fmt.Errorf("created payload too short: %d bytes", len(tail))
	}
	var p CreatedPayload
	copy(p.DHShare[:], tail[:DHShareLen])
	n := binary.BigEndian.Uint16(tail[DHShareLen : DHShareLen+2])
	if len(tail) < DHShareLen+2+int(n) {
		return CreatedPayload{}, fmt.Errorf("created payload truncated: want %d more bytes", n)
	}
	p.CandidateListEnc = append([]byte(nil), tail[DHShareLen+2:DHShareLen+2+int(n)]...)
	return p, nil
}

// ExtendPayload is the tail of an EXTEND cell, generically onion-wrapped
// through the already-established prefix of the circuit (spec §4.5 step
// 3). ChosenPubKey is carried in the clear within that tail — it is only
// ever seen by hops that already hold the corresponding layer key.
type ExtendPayload struct {
	DHShareEnc   []byte
	ChosenPubKey [PubKeyLen]byte
}

func (p ExtendPayload) Marshal() []byte {
	out := make([]byte, 2+len(p.DHShareEnc)+PubKeyLen)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(p.DHShareEnc)))
	copy(out[2:2+len(p.DHShareEnc)], p.DHShareEnc)
	copy(out[2+len(p.DHShareEnc):], p.ChosenPubKey[:])
	return out
}

func ParseExtendPayload(tail []byte) (ExtendPayload, error) {
	if len(tail) < 2 {
		return ExtendPayload{}, fmt.Errorf("extend payload too short")
	}
	n := binary.BigEndian.Uint16(tail[0:2])
	if len(tail) < 2+int(n)+PubKeyLen {
		return ExtendPayload{}, fmt.Errorf("extend payload truncated")
	}
	var p ExtendPayload
	p.DHShareEnc = append([]byte(nil), tail[2:2+int(n)]...)
	copy(p.ChosenPubKey[:], tail[2+int(n):2+int(n)+PubKeyLen])
	return p, nil
}

// ExtendedPayload mirrors CreatedPayload; it is relayed from the extension
// target's CREATED back down to the originator as an EXTENDED cell.
type ExtendedPayload struct {
	DHShare          [DHShareLen]byte
	CandidateListEnc []byte
}

func (p ExtendedPayload) Marshal() []byte { return CreatedPayload(p).Marshal() }

func ParseExtendedPayload(tail []byte) (ExtendedPayload, error) {
	cp, err := ParseCreatedPayload(tail)
	return ExtendedPayload(cp), err
}

// PingPayload and PongPayload carry the 16-bit keep-alive identifier
// (spec §3, §4.7).
type PingPayload struct{ Identifier uint16 }
type PongPayload struct{ Identifier uint16 }

func (p PingPayload) Marshal() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, p.Identifier)
	return out
}

func ParsePingPayload(tail []byte) (PingPayload, error) {
	if len(tail) < 2 {
		return PingPayload{}, fmt.Errorf("ping payload too short")
	}
	return PingPayload{Identifier: binary.BigEndian.Uint16(tail[:2])}, nil
}

func (p PongPayload) Marshal() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, p.Identifier)
	return out
}

func ParsePongPayload(tail []byte) (PongPayload, error) {
	if len(tail) < 2 {
		return PongPayload{}, fmt.Errorf("pong payload too short")
	}
	return PongPayload{Identifier: binary.BigEndian.Uint16(tail[:2])}, nil
}

// MarshalCandidateList concatenates fixed-width public keys with no
// separator, mirroring the teacher's fixed-width raw-concatenation framing
// for NodeID/NtorOnionKey in descriptor.RelayInfo.
func MarshalCandidateList(keys [][PubKeyLen]byte) []byte {
	out := make([]byte, len(keys)*PubKeyLen)
	for i, k := range keys {
		copy(out[i*PubKeyLen:], k[:])
	}
	return out
}

// ParseCandidateList is the inverse of MarshalCandidateList.
func ParseCandidateList(blob []byte) ([][PubKeyLen]byte, error) {
	if len(blob)%PubKeyLen != 0 {
		return nil, fmt.Errorf("candidate list length %d not a multiple of %d", len(blob), PubKeyLen)
	}
	n := len(blob) / PubKeyLen
	out := make([][PubKeyLen]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], blob[i*PubKeyLen:(i+1)*PubKeyLen])
	}
	return out, nil
}
