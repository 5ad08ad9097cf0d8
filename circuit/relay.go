package circuit

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
)

// RelayForward implements spec §4.6a: applies one layer of direction-aware
// symmetric crypto, rewrites the circuit id to the partner's, and reports
// where to forward the packet. The caller must have already confirmed
// Tables.IsRelay(cid) before calling this.
func RelayForward(t *Tables, packet []byte, now time.Time) (forwarded []byte, dest netip.AddrPort, err error) {
	cid := cell.GetCircuitID(packet)
	route, ok := t.RelayRoute(cid)
	if !ok {
		return nil, netip.AddrPort{}, fmt.Errorf("relay forward: %d not a relayed circuit", cid)
	}

	plaintext, encrypted := cell.SplitEncryptedPacket(packet)
	reencrypted, err := t.CryptoRelay(cid, encrypted)
	if err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("relay forward: %w", err)
	}

	rewritten := cell.SwapCircuitID(plaintext, route.PeerCircuitID)
	forwarded = cell.ConvertToCell(rewritten, reencrypted)

	if mirror, ok := t.RelayRoute(route.PeerCircuitID); ok {
		mirror.BytesRelayed += uint64(len(packet))
		mirror.LastIncoming = now
	}

	return forwarded, route.PeerAddr, nil
}
