package reqcache

import "github.com/cvsouth/tunnel-go/circuit"

// AnonCircuitRecord marks an own circuit_id awaiting CREATED (spec §4.3:
// "timeout fires remove_circuit unless the circuit reached READY"). It
// carries no payload beyond the key itself; the timeout handler looks the
// circuit up by id.
type AnonCircuitRecord struct{}

// AnonCreatedRecord holds the verified extension candidates offered to a
// joining circuit while it awaits an EXTEND (spec §4.3 "holds
// (inbound_candidate, candidates)").
type AnonCreatedRecord struct {
	InboundCandidate circuit.Candidate
	Candidates       map[[32]byte]circuit.Candidate
}

// PingRecord ties an outstanding ping's random identifier back to the
// circuit it was sent on (spec §4.3 "ping — keyed by a random 16-bit
// identifier").
type PingRecord struct {
	CircuitID uint32
}
