package cell

import (
	"bytes"
	"testing"
)

func TestCreatePayloadRoundTrip(t *testing.T) {
	p := CreatePayload{DHShareEnc: []byte{1, 2, 3, 4, 5}}
	got := ParseCreatePayload(p.Marshal())
	if !bytes.Equal(got.DHShareEnc, p.DHShareEnc) {
		t.Fatalf("mismatch: %x", got.DHShareEnc)
	}
}

func TestCreatedPayloadRoundTrip(t *testing.T) {
	var p CreatedPayload
	for i := range p.DHShare {
		p.DHShare[i] = byte(i)
	}
	p.CandidateListEnc = []byte("encrypted-candidates")

	got, err := ParseCreatedPayload(p.Marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.DHShare != p.DHShare {
		t.Fatal("DH share mismatch")
	}
	if !bytes.Equal(got.CandidateListEnc, p.CandidateListEnc) {
		t.Fatalf("candidate list mismatch: %q", got.CandidateListEnc)
	}
}

func TestExtendPayloadRoundTrip(t *testing.T) {
	var p ExtendPayload
	p.DHShareEnc = []byte{9, 8, 7}
	for i := range p.ChosenPubKey {
		p.ChosenPubKey[i] = byte(255 - i)
	}
	got, err := ParseExtendPayload(p.Marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(got.DHShareEnc, p.DHShareEnc) {
		t.Fatalf("dh share mismatch")
	}
	if got.ChosenPubKey != p.ChosenPubKey {
		t.Fatal("chosen pubkey mismatch")
	}
}

func TestPingPongPayloadRoundTrip(t *testing.T) {
	ping := PingPayload{Identifier: 0xBEEF}
	gotPing, err := ParsePingPayload(ping.Marshal())
	if err != nil || gotPing != ping {
		t.Fatalf("ping mismatch: %v %v", gotPing, err)
	}

	pong := PongPayload{Identifier: 0xCAFE}
	gotPong, err := ParsePongPayload(pong.Marshal())
	if err != nil || gotPong != pong {
		t.Fatalf("pong mismatch: %v %v", gotPong, err)
	}
}

func TestCandidateListRoundTrip(t *testing.T) {
	var a, b [PubKeyLen]byte
	a[0], b[0] = 1, 2
	keys := [][PubKeyLen]byte{a, b}

	blob := MarshalCandidateList(keys)
	got, err := ParseCandidateList(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("candidate list mismatch: %v", got)
	}

	if _, err := ParseCandidateList(blob[:len(blob)-1]); err == nil {
		t.Fatal("expected error on misaligned candidate list")
	}
}
