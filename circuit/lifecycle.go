package circuit

import (
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/xcrypto"
)

func addrKey(ap netip.AddrPort) [18]byte {
	var out [18]byte
	a16 := ap.Addr().As16()
	copy(out[:16], a16[:])
	out[16] = byte(ap.Port())
	out[17] = byte(ap.Port() >> 8)
	return out
}

func candidateKeyCompatible(c Candidate) bool {
	return xcrypto.IsKeyCompatible(c.PublicKey)
}

// Bounds are the triple eviction bounds every circuit, relay, and exit
// socket is swept against (spec §4.7 do_break, §5 "Resource bounds").
type Bounds struct {
	MaxTime         time.Duration
	MaxTimeInactive time.Duration
	MaxTraffic      uint64
}

// SweepResult reports what a single DoBreak pass evicted, for logging
// and tests.
type SweepResult struct {
	Circuits []uint32
	Relays   []uint32
	Exits    []uint32
}

func circuitBytes(c *Circuit) uint64  { return c.BytesUp + c.BytesDown }
func relayBytes(r *RelayRoute) uint64 { return r.BytesRelayed }
func exitBytes(s *ExitSocket) uint64  { return s.BytesUp + s.BytesDown }

func stale(creation, lastIncoming, now time.Time, bytes uint64, b Bounds) bool {
	if now.Sub(creation) > b.MaxTime {
		return true
	}
	if now.Sub(lastIncoming) > b.MaxTimeInactive {
		return true
	}
	if bytes > b.MaxTraffic {
		return true
	}
	return false
}

// DoBreak implements spec §4.7: sweep circuits, relay_from_to, and
// exit_sockets and evict entries exceeding any of the triple bounds.
func DoBreak(t *Tables, now time.Time, b Bounds) SweepResult {
	var result SweepResult

	for _, cid := range t.CircuitIDs() {
		c, ok := t.Circuit(cid)
		if !ok {
			continue
		}
		if stale(c.CreationTime, c.LastIncoming, now, circuitBytes(c), b) {
			t.RemoveCircuit(cid)
			result.Circuits = append(result.Circuits, cid)
		}
	}

	seen := make(map[uint32]bool)
	for _, cid := range t.RelayIDs() {
		if seen[cid] {
			continue
		}
		r, ok := t.RelayRoute(cid)
		if !ok {
			continue
		}
		seen[cid] = true
		seen[r.PeerCircuitID] = true
		evict := stale(r.CreationTime, r.LastIncoming, now, relayBytes(r), b)
		if m, ok := t.RelayRoute(r.PeerCircuitID); ok && !evict {
			evict = stale(m.CreationTime, m.LastIncoming, now, relayBytes(m), b)
		}
		if evict {
			t.EvictRelayPair(cid)
			result.Relays = append(result.Relays, cid, r.PeerCircuitID)
		}
	}

	for _, cid := range t.ExitSocketIDs() {
		s, ok := t.ExitSocket(cid)
		if !ok {
			continue
		}
		if stale(s.CreationTime, s.LastIncoming, now, exitBytes(s), b) {
			t.RemoveExitSocket(cid)
			result.Exits = append(result.Exits, cid)
		}
	}

	return result
}

// NeededCircuits computes how many new own-circuits to build this tick
// (spec §4.7 do_circuits: needed = max_circuits − |circuits|).
func NeededCircuits(t *Tables, maxCircuits int) int {
	needed := maxCircuits - len(t.circuits)
	if needed < 0 {
		return 0
	}
	return needed
}

// SelectBuildCandidates filters a candidate pool for do_circuits: a
// candidate is usable as a new circuit's first hop only if its address
// isn't already in use as an existing circuit's first hop, and its key
// is compatible (spec §4.7).
func SelectBuildCandidates(t *Tables, pool []Candidate, need int) []Candidate {
	inUse := make(map[[18]byte]struct{}, len(t.circuits))
	for _, c := range t.circuits {
		inUse[addrKey(c.FirstHop)] = struct{}{}
	}

	out := make([]Candidate, 0, need)
	for _, cand := range pool {
		if len(out) >= need {
			break
		}
		if _, used := inUse[addrKey(cand.Addr)]; used {
			continue
		}
		if !candidateKeyCompatible(cand) {
			continue
		}
		out = append(out, cand)
		inUse[addrKey(cand.Addr)] = struct{}{}
	}
	return out
}
