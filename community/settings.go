package community

import (
	"time"

	"github.com/cvsouth/tunnel-go/circuit"
)

// Settings is the configuration surface spec §6 describes. There is no
// flag-parsing or env-var layer here, the same way the teacher's main.go
// hardcodes "127.0.0.1:9050" and friends; only cmd/tunnel-node's own
// startup flags touch os.Args.
type Settings struct {
	CircuitLength          int
	SocksListenPort        int
	MinCircuitsForSession  int
	MaxCircuits            int
	MaxRelaysOrExits       int
	MaxTime                time.Duration
	MaxTimeInactive        time.Duration
	MaxTraffic             uint64
	MaxPacketsWithoutReply int
	PingInterval           time.Duration

	// AnonCircuitTimeout bounds how long an own circuit_id may sit in
	// waiting_for before a missing CREATED/EXTENDED tears it down (spec
	// §4.3 "anon-circuit"). The distilled spec and the retrieved slice of
	// original_source/ don't carry the upstream constant, so this is a
	// judgment call, not a measured value; see DESIGN.md.
	AnonCircuitTimeout time.Duration
}

// DefaultSettings returns the literal defaults spec §6 lists.
func DefaultSettings() Settings {
	return Settings{
		CircuitLength:          3,
		SocksListenPort:        1080,
		MinCircuitsForSession:  4,
		MaxCircuits:            8,
		MaxRelaysOrExits:       100,
		MaxTime:                600 * time.Second,
		MaxTimeInactive:        20 * time.Second,
		MaxTraffic:             10 << 20,
		MaxPacketsWithoutReply: 50,
		PingInterval:           30 * time.Second,
		AnonCircuitTimeout:     10 * time.Second,
	}
}

// Bounds extracts the triple eviction bounds do_break sweeps against
// (spec §4.7).
func (s Settings) Bounds() circuit.Bounds {
	return circuit.Bounds{
		MaxTime:         s.MaxTime,
		MaxTimeInactive: s.MaxTimeInactive,
		MaxTraffic:      s.MaxTraffic,
	}
}
