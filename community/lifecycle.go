package community

import (
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/reqcache"
)

// doCircuitsLocked implements spec §4.7 do_circuits: top up to
// MaxCircuits from the discovery substrate's verified candidates, then
// sweep every table for staleness (the original folds do_break into the
// tail of do_circuits rather than scheduling it separately).
func (c *Community) doCircuitsLocked(now time.Time) {
	needed := circuit.NeededCircuits(c.tables, c.Settings.MaxCircuits)
	if needed > 0 {
		pool := c.Discovery.VerifiedCandidates()
		for _, cand := range circuit.SelectBuildCandidates(c.tables, pool, needed) {
			if err := c.createCircuitLocked(cand, c.Settings.CircuitLength, now); err != nil {
				c.Logger.Debug("do_circuits: create circuit failed", "target", cand.Addr, "error", err)
			}
		}
	}
	c.doBreakLocked(now)
}

// doBreakLocked implements spec §4.7 do_break: evict stale circuits,
// relay pairs, and exit sockets, then release whatever community-owned
// resources the table layer doesn't know about — the exit's live UDP
// socket, and the SOCKS front-end's session for a dead circuit.
func (c *Community) doBreakLocked(now time.Time) {
	result := circuit.DoBreak(c.tables, now, c.Settings.Bounds())

	for _, cid := range result.Circuits {
		c.Logger.Info("circuit removed", "circuit_id", cid, "reason", "swept (age/inactivity/traffic bound)")
		if c.Tunnel != nil {
			c.Tunnel.CircuitDead(cid)
		}
	}
	for _, cid := range result.Exits {
		if live, ok := c.exits[cid]; ok {
			_ = live.conn.Close()
			delete(c.exits, cid)
		}
		c.Logger.Info("exit socket removed", "circuit_id", cid, "reason", "swept (age/inactivity/traffic bound)")
	}
	if len(result.Relays) > 0 {
		c.Logger.Debug("relay pairs removed", "circuit_ids", result.Relays, "reason", "swept (age/inactivity/traffic bound)")
	}
}

// doPingLocked implements spec §4.7 do_ping: ping the first hop only of
// every ready circuit with goal_hops > 0 — relay hops forward the ping
// like any other cell, so a single ping round-trips the whole circuit.
func (c *Community) doPingLocked(now time.Time) {
	for _, cid := range c.tables.CircuitIDs() {
		circ, ok := c.tables.Circuit(cid)
		if !ok || !circ.Ready() || circ.GoalHops <= 0 {
			continue
		}
		identifier := randUint16()
		c.cache.Put(reqcache.Key{Kind: reqcache.KindPing, Number: uint32(identifier)}, now.Add(c.Settings.PingInterval+5*time.Second), reqcache.PingRecord{CircuitID: cid})

		tail := cell.PingPayload{Identifier: identifier}.Marshal()
		enc, err := c.tables.CryptoOut(cid, tail)
		if err != nil {
			c.Logger.Debug("do_ping: crypto_out failed", "circuit_id", cid, "error", err)
			continue
		}
		packet := cell.NewControlCell(cid, cell.KindPing, enc)
		circ.BytesUp += uint64(len(packet))
		c.send(circ.FirstHop, packet)
	}
}

// processTimeoutsLocked drains every request-cache entry whose deadline
// has passed and dispatches it to the matching on_timeout behavior
// (spec §4.3). The anon-created kind intentionally does nothing, same
// as the original's CreatedRequestCache.on_timeout: a joining peer that
// never receives an EXTEND simply forgets the candidates it offered.
func (c *Community) processTimeoutsLocked(now time.Time) {
	for _, e := range c.cache.PopExpired(now) {
		switch e.Key.Kind {
		case reqcache.KindAnonCircuit:
			if circ, ok := c.tables.Circuit(e.Key.Number); ok && !circ.Ready() {
				c.destroyCircuitLocked(e.Key.Number, "timeout on anon-circuit request cache")
			}
		case reqcache.KindAnonCreated:
		case reqcache.KindPing:
			rec, ok := e.Payload.(reqcache.PingRecord)
			if !ok {
				continue
			}
			circ, ok := c.tables.Circuit(rec.CircuitID)
			if !ok {
				continue
			}
			if now.Sub(circ.LastIncoming) > c.Settings.PingInterval+5*time.Second {
				c.Logger.Debug("no response on ping, circuit timed out", "circuit_id", rec.CircuitID)
				c.destroyCircuitLocked(rec.CircuitID, "ping timeout")
			}
		}
	}
}
