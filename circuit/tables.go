package circuit

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/xcrypto"
)

// Tables is the full set of top-level indices a peer maintains (spec §3
// "Top-level indices"). It carries no lock: the design notes (spec §9,
// "Single-writer discipline") call for one reactor thread owning all core
// state instead of fine-grained per-entry locking, so every method here
// assumes single-threaded access from the owning community loop.
type Tables struct {
	circuits         map[uint32]*Circuit
	relayFromTo      map[uint32]*RelayRoute
	relaySessionKeys map[uint32]xcrypto.SessionKeys
	directions       map[uint32]Direction
	exitSockets      map[uint32]*ExitSocket
	waitingFor       map[uint32]struct{}
}

func NewTables() *Tables {
	return &Tables{
		circuits:         make(map[uint32]*Circuit),
		relayFromTo:      make(map[uint32]*RelayRoute),
		relaySessionKeys: make(map[uint32]xcrypto.SessionKeys),
		directions:       make(map[uint32]Direction),
		exitSockets:      make(map[uint32]*ExitSocket),
		waitingFor:       make(map[uint32]struct{}),
	}
}

// IsRelay classifies cid per spec §3 invariant 2: cid ≠ 0 ∧ cid ∈
// relay_from_to ∧ cid ∉ waiting_for.
func (t *Tables) IsRelay(cid uint32) bool {
	if cid == 0 {
		return false
	}
	if _, ok := t.waitingFor[cid]; ok {
		return false
	}
	_, ok := t.relayFromTo[cid]
	return ok
}

func (t *Tables) Circuit(cid uint32) (*Circuit, bool) {
	c, ok := t.circuits[cid]
	return c, ok
}

func (t *Tables) CircuitIDs() []uint32 {
	ids := make([]uint32, 0, len(t.circuits))
	for id := range t.circuits {
		ids = append(ids, id)
	}
	return ids
}

// circuitIDInUse reports whether cid is already indexed anywhere a newly
// drawn circuit_id must not collide with (spec §4.5 step 1: "unique over
// circuits and over relay_from_to"). A terminus circuit_id only appears
// in relaySessionKeys/exitSockets until it is extended (spec §3 invariant
// 4), so those two maps must be checked too or a fresh draw could collide
// with a live exit placeholder that relayFromTo never indexed.
func (t *Tables) circuitIDInUse(cid uint32) bool {
	if _, ok := t.circuits[cid]; ok {
		return true
	}
	if _, ok := t.relayFromTo[cid]; ok {
		return true
	}
	if _, ok := t.relaySessionKeys[cid]; ok {
		return true
	}
	if _, ok := t.exitSockets[cid]; ok {
		return true
	}
	return false
}

// InsertCircuit registers a newly created own-circuit and marks it
// waiting for its CREATED reply.
func (t *Tables) InsertCircuit(c *Circuit) {
	t.circuits[c.ID] = c
	t.waitingFor[c.ID] = struct{}{}
}

// ClearWaiting removes cid from waiting_for once its CREATED/EXTENDED
// arrives, or on teardown.
func (t *Tables) ClearWaiting(cid uint32) {
	delete(t.waitingFor, cid)
}

func (t *Tables) IsWaiting(cid uint32) bool {
	_, ok := t.waitingFor[cid]
	return ok
}

// RemoveCircuit tears down an own circuit (spec §3 "remove_circuit").
func (t *Tables) RemoveCircuit(cid uint32) {
	delete(t.circuits, cid)
	delete(t.waitingFor, cid)
}

// RelayRoute looks up the mirror entry for cid.
func (t *Tables) RelayRoute(cid uint32) (*RelayRoute, bool) {
	r, ok := t.relayFromTo[cid]
	return r, ok
}

// InsertRelayPair installs the two mirrored entries for a newly extended
// relay hop (spec §4.5 "Extend processing", steps 3 and 8: purge any
// stale mirror for cidIn before installing the new pair).
func (t *Tables) InsertRelayPair(cidIn uint32, addrIn netip.AddrPort, cidOut uint32, addrOut netip.AddrPort) {
	if _, ok := t.relayFromTo[cidIn]; ok {
		t.removeRelaySide(cidIn)
	}
	now := time.Now()
	t.relayFromTo[cidIn] = &RelayRoute{PeerCircuitID: cidOut, PeerAddr: addrOut, CreationTime: now, LastIncoming: now}
	t.relayFromTo[cidOut] = &RelayRoute{PeerCircuitID: cidIn, PeerAddr: addrIn, CreationTime: now, LastIncoming: now}
}

func (t *Tables) removeRelaySide(cid uint32) {
	if r, ok := t.relayFromTo[cid]; ok {
		delete(t.relayFromTo, cid)
		delete(t.relayFromTo, r.PeerCircuitID)
	}
}

// RemoveRelay deletes only the cid side of a mirrored pair (spec §9 open
// question 1, "the remove_relay function deletes only one side of the
// mirrored pair; it relies on the other side timing out independently").
// This is the observed upstream behavior, preserved deliberately: a
// symmetric delete here could race with a cell already in flight toward
// the other side.
func (t *Tables) RemoveRelay(cid uint32) {
	delete(t.relayFromTo, cid)
	delete(t.relaySessionKeys, cid)
	delete(t.directions, cid)
	delete(t.exitSockets, cid)
}

// EvictRelayPair removes both sides of a mirrored relay pair in one
// step. Used only by the periodic sweep (spec §8 scenario 3): the
// single-threaded reactor has no in-flight-forwarding race to protect
// against during a sweep, unlike the on-demand RemoveRelay used
// elsewhere (spec §9 open question 1).
func (t *Tables) EvictRelayPair(cid uint32) {
	r, ok := t.relayFromTo[cid]
	if !ok {
		t.RemoveRelay(cid)
		return
	}
	partner := r.PeerCircuitID
	t.RemoveRelay(cid)
	t.RemoveRelay(partner)
}

func (t *Tables) SetRelaySessionKeys(cid uint32, keys xcrypto.SessionKeys) {
	t.relaySessionKeys[cid] = keys
}

func (t *Tables) RelaySessionKeys(cid uint32) (xcrypto.SessionKeys, bool) {
	k, ok := t.relaySessionKeys[cid]
	return k, ok
}

func (t *Tables) SetDirection(cid uint32, dir Direction) {
	t.directions[cid] = dir
}

func (t *Tables) DirectionOf(cid uint32) (Direction, bool) {
	d, ok := t.directions[cid]
	return d, ok
}

// InsertExitPlaceholder marks cid as this peer's current terminus (spec
// §4.5 joining-peer step 6: "Insert exit_sockets[circuit_id] = None").
func (t *Tables) InsertExitPlaceholder(cid uint32) {
	t.exitSockets[cid] = nil
}

// HasExitEntry reports whether cid has any exit_sockets entry, populated
// or placeholder (spec invariant §3.4 uses this to gate terminus status).
func (t *Tables) HasExitEntry(cid uint32) bool {
	_, ok := t.exitSockets[cid]
	return ok
}

func (t *Tables) ExitSocket(cid uint32) (*ExitSocket, bool) {
	s, ok := t.exitSockets[cid]
	return s, ok && s != nil
}

// SetExitSocket installs a live exit socket over a placeholder, lazily
// created on first exit traffic (spec §4.6 "Exit emission").
func (t *Tables) SetExitSocket(cid uint32, s *ExitSocket) {
	t.exitSockets[cid] = s
}

// RemoveExitSocket purges a terminus entirely (spec §3 "remove_exit_socket").
func (t *Tables) RemoveExitSocket(cid uint32) {
	delete(t.exitSockets, cid)
}

func (t *Tables) ExitSocketIDs() []uint32 {
	ids := make([]uint32, 0, len(t.exitSockets))
	for id := range t.exitSockets {
		ids = append(ids, id)
	}
	return ids
}

// RelayAndExitCount approximates |relay_from_to| + |exit_sockets| as the
// number of *joined* circuits this peer is currently a middle hop or
// terminus for, used to enforce max_relays_or_exits (spec §4.5 joining-
// peer step 1). relay_from_to holds two mirrored entries per joined
// relay, so those are halved; a circuit that is both relayed and has an
// exit placeholder is never double counted because a relay entry and an
// exit placeholder for the same cid are mutually exclusive (spec
// invariant §3.4).
func (t *Tables) RelayAndExitCount() int {
	return len(t.relayFromTo)/2 + len(t.exitSockets)
}

func (t *Tables) RelayIDs() []uint32 {
	ids := make([]uint32, 0, len(t.relayFromTo))
	for id := range t.relayFromTo {
		ids = append(ids, id)
	}
	return ids
}

// DrawCircuitID draws a uniformly random, locally-unique circuit_id,
// redrawing on collision (spec §3 "Collisions are resolved by redraw").
func (t *Tables) DrawCircuitID(randUint32 func() uint32) (uint32, error) {
	for attempt := 0; attempt < 32; attempt++ {
		cid := randUint32()
		if cid == 0 {
			continue
		}
		if !t.circuitIDInUse(cid) {
			return cid, nil
		}
	}
	return 0, fmt.Errorf("circuit: failed to draw unique circuit id after 32 attempts")
}
