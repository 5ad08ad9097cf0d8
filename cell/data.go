package cell

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ZeroAddr is the sentinel address meaning "unused in this direction"
// (spec §3, §6).
var ZeroAddr = netip.MustParseAddrPort("0.0.0.0:0")

// dataBlobLen is the fixed header size of an encoded data blob:
// destination_ip(4) destination_port(2) origin_ip(4) origin_port(2).
const dataBlobLen = 12

// EncodeData wraps a tunnelled datagram with its (destination, origin)
// addressing pair. Either address may be ZeroAddr when unused in that
// direction (spec §6). Only IPv4 addresses are supported, matching the
// teacher's IPv4-only relay addressing.
func EncodeData(destination, origin netip.AddrPort, payload []byte) ([]byte, error) {
	destIP, err := addrTo4(destination)
	if err != nil {
		return nil, fmt.Errorf("encode data: destination: %w", err)
	}
	originIP, err := addrTo4(origin)
	if err != nil {
		return nil, fmt.Errorf("encode data: origin: %w", err)
	}

	out := make([]byte, dataBlobLen+len(payload))
	copy(out[0:4], destIP[:])
	binary.BigEndian.PutUint16(out[4:6], destination.Port())
	copy(out[6:10], originIP[:])
	binary.BigEndian.PutUint16(out[10:12], origin.Port())
	copy(out[dataBlobLen:], payload)
	return out, nil
}

// DecodeData is the inverse of EncodeData.
func DecodeData(blob []byte) (destination, origin netip.AddrPort, payload []byte, err error) {
	if len(blob) < dataBlobLen {
		return netip.AddrPort{}, netip.AddrPort{}, nil, fmt.Errorf("decode data: blob too short (%d bytes)", len(blob))
	}
	destIP := netip.AddrFrom4([4]byte(blob[0:4]))
	destPort := binary.BigEndian.Uint16(blob[4:6])
	originIP := netip.AddrFrom4([4]byte(blob[6:10]))
	originPort := binary.BigEndian.Uint16(blob[10:12])

	destination = netip.AddrPortFrom(destIP, destPort)
	origin = netip.AddrPortFrom(originIP, originPort)
	payload = blob[dataBlobLen:]
	return destination, origin, payload, nil
}

func addrTo4(ap netip.AddrPort) ([4]byte, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !addr.Is4() {
		if addr.Is4In6() {
			addr = addr.Unmap()
		} else {
			return [4]byte{}, fmt.Errorf("address %s is not IPv4", addr)
		}
	}
	return addr.As4(), nil
}
