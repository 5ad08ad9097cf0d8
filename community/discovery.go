package community

import "github.com/cvsouth/tunnel-go/circuit"

// Discovery is the gossip/peer-discovery substrate collaborator (spec §1,
// §6): it supplies verified candidate peers and their public keys. This
// core treats it as an external dependency it only ever reads from —
// the bloom-filter sync / candidate-walker tuning spec §4.10 describes
// lives in that substrate, not here.
type Discovery interface {
	// VerifiedCandidates returns the peers currently known and verified
	// by the gossip substrate, usable as circuit first hops or extension
	// targets.
	VerifiedCandidates() []circuit.Candidate

	// GlobalTime returns the substrate's monotone distribution-timestamp
	// counter (spec §6), stamped on outgoing messages. Not otherwise
	// interpreted by this core.
	GlobalTime() uint64
}

// StaticDiscovery is the minimal Discovery a standalone binary can use
// when there is no live gossip substrate wired in: a fixed peer list
// refreshed externally (e.g. by rewriting the slice via SetCandidates),
// grounded on the teacher's directory.Cache pattern of a small
// in-memory table backing an external-data interface.
type StaticDiscovery struct {
	candidates []circuit.Candidate
	clock      func() uint64
}

// NewStaticDiscovery builds a StaticDiscovery over an initial candidate
// set. clock may be nil, in which case GlobalTime always returns 0.
func NewStaticDiscovery(candidates []circuit.Candidate, clock func() uint64) *StaticDiscovery {
	return &StaticDiscovery{candidates: candidates, clock: clock}
}

func (d *StaticDiscovery) VerifiedCandidates() []circuit.Candidate {
	out := make([]circuit.Candidate, len(d.candidates))
	copy(out, d.candidates)
	return out
}

func (d *StaticDiscovery) GlobalTime() uint64 {
	if d.clock == nil {
		return 0
	}
	return d.clock()
}

// SetCandidates replaces the known candidate set, e.g. after reloading a
// peer file.
func (d *StaticDiscovery) SetCandidates(candidates []circuit.Candidate) {
	d.candidates = candidates
}
