// Package circuit holds the per-peer routing tables and the circuit
// build/relay/exit state machine (spec components C2, C5, C6, C7, C8, C9
// in the teacher's vocabulary: circuit.go, extend.go, relay.go).
package circuit

import (
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/xcrypto"
)

// State is the lifecycle stage of an originator-side Circuit.
type State uint8

const (
	StateExtending State = iota
	StateReady
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateExtending:
		return "EXTENDING"
	case StateReady:
		return "READY"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// Hop is one confirmed link in an originator's circuit: the peer's
// long-term identity and the symmetric session keys derived from the DH
// exchange that admitted it.
type Hop struct {
	PublicKey   [xcrypto.IdentityKeyLen]byte
	SessionKeys xcrypto.SessionKeys
}

// PendingHop is the not-yet-confirmed hop of an in-flight CREATE or
// EXTEND, held until the matching CREATED/EXTENDED arrives.
type PendingHop struct {
	PublicKey [xcrypto.IdentityKeyLen]byte
	Secret    *xcrypto.DiffieSecret
	Addr      netip.AddrPort
}

// Circuit is the originator-side record for a circuit this peer built
// (spec §3 "Circuit").
type Circuit struct {
	ID            uint32
	GoalHops      int
	FirstHop      netip.AddrPort
	Hops          []Hop
	Unverified    *PendingHop
	State         State
	CreationTime  time.Time
	LastIncoming  time.Time
	BytesUp       uint64
	BytesDown     uint64
}

func (c *Circuit) Ready() bool { return c.State == StateReady && len(c.Hops) == c.GoalHops }

// RelayRoute is one side of a mirrored middle-hop pair (spec §3
// "RelayRoute"). Two RelayRoute values always exist for a relayed
// circuit, each keyed by one of the two circuit_ids and pointing at the
// other.
type RelayRoute struct {
	PeerCircuitID uint32
	PeerAddr      netip.AddrPort
	BytesRelayed  uint64
	LastIncoming  time.Time
	CreationTime  time.Time
}

// ExitSocket is the exit-side per-circuit terminus state (spec §3
// "ExitSocket"). The ephemeral UDP socket for it is bound and held by the
// owning community package; the circuit package only tracks the
// accounting fields.
type ExitSocket struct {
	CircuitID    uint32
	InboundAddr  netip.AddrPort
	IPCounters   map[netip.Addr]int
	BytesUp      uint64
	BytesDown    uint64
	CreationTime time.Time
	LastIncoming time.Time
}

// Candidate is a verified peer offered as a next-hop extension target
// (spec §3 "Candidate", §4.5 step 5). PublicKey is the long-term identity
// key compared against hops and filtered by IsKeyCompatible; HybridKey is
// the separate nacl/box key that hybrid_encrypt_str actually seals DH
// shares to (spec §4.1) — two distinct key spaces carried on one
// candidate record, since neither teacher nor original collapses them
// into one.
type Candidate struct {
	PublicKey [xcrypto.IdentityKeyLen]byte
	HybridKey [xcrypto.BoxKeyLen]byte
	Addr      netip.AddrPort
}

// Direction selects which session sub-key a relay applies to a cell seen
// on a given circuit_id (spec §3 "Direction map").
type Direction = xcrypto.Direction

const (
	DirOriginator = xcrypto.Originator
	DirEndpoint   = xcrypto.Endpoint
)
