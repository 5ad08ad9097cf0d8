package socks

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestParseUDPRequestIPv4(t *testing.T) {
	packet := []byte{0, 0, 0, atypIPv4, 1, 2, 3, 4, 0x1F, 0x90}
	packet = append(packet, []byte("payload")...)

	dest, payload, err := ParseUDPRequest(packet)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dest != netip.MustParseAddrPort("1.2.3.4:8080") {
		t.Fatalf("unexpected dest: %v", dest)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestParseUDPRequestRejectsFragmentation(t *testing.T) {
	packet := []byte{0, 0, 1, atypIPv4, 1, 2, 3, 4, 0, 80}
	if _, _, err := ParseUDPRequest(packet); err == nil {
		t.Fatal("expected error for fragmented request")
	}
}

func TestParseUDPRequestTooShort(t *testing.T) {
	if _, _, err := ParseUDPRequest([]byte{0, 0}); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestEncodeUDPReplyRoundTrip(t *testing.T) {
	origin := netip.MustParseAddrPort("5.6.7.8:443")
	framed, err := EncodeUDPReply(origin, []byte("hello"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dest, payload, err := ParseUDPRequest(framed)
	if err != nil {
		t.Fatalf("parse back: %v", err)
	}
	if dest != origin {
		t.Fatalf("round trip addr mismatch: %v != %v", dest, origin)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Fatalf("round trip payload mismatch: %q", payload)
	}
}

func TestEncodeUDPReplyRejectsIPv6(t *testing.T) {
	origin := netip.MustParseAddrPort("[::1]:80")
	if _, err := EncodeUDPReply(origin, []byte("x")); err == nil {
		t.Fatal("expected error for IPv6 origin")
	}
}
