package community

import (
	"errors"
	"fmt"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/reqcache"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

// CreateCircuit implements spec §4.5 originator step 1: draw a
// circuit_id, open a DH ephemeral, hybrid-encrypt it to firstHop, send
// CREATE, and register the anon-circuit cache entry.
func (c *Community) CreateCircuit(firstHop circuit.Candidate, goalHops int, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCircuitLocked(firstHop, goalHops, now)
}

func (c *Community) createCircuitLocked(firstHop circuit.Candidate, goalHops int, now time.Time) error {
	circ, secret, err := circuit.BeginCreateCircuit(c.tables, firstHop, goalHops, now, randUint32)
	if err != nil {
		return fmt.Errorf("create circuit: %w", err)
	}

	dhEnc, err := xcrypto.HybridEncrypt(firstHop.HybridKey, secret.Public[:])
	if err != nil {
		c.tables.RemoveCircuit(circ.ID)
		return fmt.Errorf("create circuit: %w", err)
	}

	c.cache.Put(reqcache.Key{Kind: reqcache.KindAnonCircuit, Number: circ.ID}, now.Add(c.Settings.AnonCircuitTimeout), reqcache.AnonCircuitRecord{})

	packet := cell.NewControlCell(circ.ID, cell.KindCreate, cell.CreatePayload{DHShareEnc: dhEnc}.Marshal())
	c.send(firstHop.Addr, packet)
	c.Logger.Debug("sent create", "circuit_id", circ.ID, "first_hop", firstHop.Addr)
	return nil
}

// onCreatedOrExtended implements spec §4.5 steps 2-4
// (_ours_on_created_extended), dispatched identically for CREATED and
// EXTENDED. If the circuit becomes READY, the anon-circuit cache entry
// is popped. If extension continues, the next EXTEND is sent riding the
// already-established prefix of the circuit (spec §4.5 step 3). If
// candidates are exhausted, the circuit is torn down and the caller is
// notified via Tunnel.CircuitDead.
func (c *Community) onCreatedOrExtended(cid uint32, remoteShare [xcrypto.DHShareLen]byte, candidateListEnc []byte, now time.Time) {
	outcome, err := circuit.OnCreatedOrExtended(c.tables, cid, remoteShare, candidateListEnc, c.Identity.Public, now)
	if err != nil {
		if errors.Is(err, circuit.ErrNoCandidates) {
			c.Logger.Debug("circuit has no candidates to extend, bailing out", "circuit_id", cid)
			c.destroyCircuitLocked(cid, "no candidates to extend, bailing out")
			return
		}
		c.Logger.Debug("on_created_extended failed", "circuit_id", cid, "error", err)
		return
	}

	if outcome.Ready {
		c.cache.Pop(reqcache.Key{Kind: reqcache.KindAnonCircuit, Number: cid})
		c.Logger.Info("circuit ready", "circuit_id", cid)
		return
	}

	step := outcome.Extend
	circ, ok := c.tables.Circuit(cid)
	if !ok {
		return
	}
	dhEnc, err := xcrypto.HybridEncrypt(step.Target.HybridKey, step.Secret.Public[:])
	if err != nil {
		c.Logger.Debug("extend hybrid encrypt failed", "circuit_id", cid, "error", err)
		c.destroyCircuitLocked(cid, "extend encryption failure")
		return
	}

	tail := cell.ExtendPayload{DHShareEnc: dhEnc, ChosenPubKey: step.Target.PublicKey}.Marshal()
	onionWrapped, err := c.tables.CryptoOut(cid, tail)
	if err != nil {
		c.Logger.Debug("extend onion wrap failed", "circuit_id", cid, "error", err)
		return
	}
	packet := cell.NewControlCell(cid, cell.KindExtend, onionWrapped)
	c.send(circ.FirstHop, packet)
	c.Logger.Debug("sent extend", "circuit_id", cid, "target", step.Target.Addr)
}

// destroyCircuitLocked tears down an own circuit and notifies the
// SOCKS front-end, mutex already held.
func (c *Community) destroyCircuitLocked(cid uint32, reason string) {
	c.tables.RemoveCircuit(cid)
	c.cache.Pop(reqcache.Key{Kind: reqcache.KindAnonCircuit, Number: cid})
	c.Logger.Info("circuit removed", "circuit_id", cid, "reason", reason)
	if c.Tunnel != nil {
		c.Tunnel.CircuitDead(cid)
	}
}
