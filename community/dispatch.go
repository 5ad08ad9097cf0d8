package community

import (
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/reqcache"
	"github.com/cvsouth/tunnel-go/transport"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

// HandlePacket is the single entry point for every datagram arriving on
// the shared overlay socket (spec §4.4 "on_cell"/"on_data"). Relay
// classification always runs first and is kind-agnostic: a circuit_id
// already in relay_from_to (and not this peer's own in-flight
// CREATE/EXTEND) is opaque traffic this peer only forwards, regardless
// of which of the six message kinds it carries.
func (c *Community) HandlePacket(pkt transport.Packet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlePacketLocked(pkt, now)
}

func (c *Community) handlePacketLocked(pkt transport.Packet, now time.Time) {
	cid := cell.GetCircuitID(pkt.Data)

	if c.tables.IsRelay(cid) {
		forwarded, dest, err := circuit.RelayForward(c.tables, pkt.Data, now)
		if err != nil {
			c.Logger.Debug("relay forward failed", "circuit_id", cid, "error", err)
			return
		}
		c.send(dest, forwarded)
		return
	}

	if cell.IsDataCell(pkt.Data) {
		c.onDataLocked(cid, pkt.Data, pkt.From, now)
		return
	}

	_, kind, tail, ok := cell.ConvertFromCell(pkt.Data)
	if !ok {
		return
	}

	switch kind {
	case cell.KindCreate:
		c.onCreateLocked(cid, tail, pkt.From, now)
	case cell.KindCreated:
		c.onCreatedLocked(cid, tail, pkt.From, now)
	case cell.KindExtend:
		c.dispatchDecrypted(cid, tail, "extend", func(plain []byte) { c.onExtendLocked(cid, plain, pkt.From, now) })
	case cell.KindExtended:
		c.dispatchDecrypted(cid, tail, "extended", func(plain []byte) { c.onExtendedLocked(cid, plain, now) })
	case cell.KindPing:
		c.dispatchDecrypted(cid, tail, "ping", func(plain []byte) { c.onPingLocked(cid, plain, pkt.From) })
	case cell.KindPong:
		c.dispatchDecrypted(cid, tail, "pong", func(plain []byte) { c.onPongLocked(cid, plain) })
	default:
		c.Logger.Debug("dropping cell of unhandled kind", "circuit_id", cid, "kind", kind)
		return
	}

	if circ, ok := c.tables.Circuit(cid); ok {
		circ.LastIncoming = now
		circ.BytesDown += uint64(len(pkt.Data))
	}
}

// dispatchDecrypted applies the generic per-hop symmetric unwrap every
// kind except create/created gets (spec §4.6), then invokes next with
// the plaintext tail. A crypto failure is logged and dropped.
func (c *Community) dispatchDecrypted(cid uint32, tail []byte, label string, next func(plain []byte)) {
	plain, err := c.tables.CryptoIn(cid, tail)
	if err != nil {
		c.Logger.Debug("crypto_in failed", "circuit_id", cid, "kind", label, "error", err)
		return
	}
	next(plain)
}

// onCreateLocked implements spec §4.5 joining-peer steps 1-6 (the
// original's on_create): the DH share in a CREATE cell is never passed
// through the generic crypto_in, since it is itself hybrid-encrypted to
// this peer's long-term key.
func (c *Community) onCreateLocked(cid uint32, rawTail []byte, from netip.AddrPort, now time.Time) {
	parsed := cell.ParseCreatePayload(rawTail)
	plainShare, err := c.Hybrid.HybridDecrypt(parsed.DHShareEnc)
	if err != nil {
		c.Logger.Debug("create: hybrid decrypt failed", "circuit_id", cid, "error", err)
		return
	}
	if len(plainShare) != xcrypto.DHShareLen {
		c.Logger.Debug("create: bad dh share length", "circuit_id", cid, "got", len(plainShare))
		return
	}
	var remoteShare [xcrypto.DHShareLen]byte
	copy(remoteShare[:], plainShare)

	candidates := c.pickExtensionCandidates()
	ownShare, candidateListEnc, err := circuit.HandleCreate(c.tables, cid, remoteShare, candidates, c.Settings.MaxRelaysOrExits)
	if err != nil {
		c.Logger.Error("ignoring create", "circuit_id", cid, "from", from, "error", err)
		return
	}

	c.cache.Put(
		reqcache.Key{Kind: reqcache.KindAnonCreated, Number: cid},
		now.Add(c.Settings.AnonCircuitTimeout),
		reqcache.AnonCreatedRecord{InboundCandidate: circuit.Candidate{Addr: from}, Candidates: candidatesByKey(candidates)},
	)

	packet := cell.NewControlCell(cid, cell.KindCreated, cell.CreatedPayload{DHShare: ownShare, CandidateListEnc: candidateListEnc}.Marshal())
	c.send(from, packet)
	c.Logger.Info("joined circuit", "circuit_id", cid, "neighbour", from)
}

// onCreatedLocked implements spec §4.5 step 4 (the original's
// on_created): a CREATED arriving on an id we aren't waiting on is
// dropped; otherwise it either relabels into an EXTENDED for the
// upstream neighbour (this peer is a middle hop), resolves one of our
// own pending circuits, or both are impossible simultaneously by the
// single-id classification invariant — this just tries each.
func (c *Community) onCreatedLocked(cid uint32, rawTail []byte, from netip.AddrPort, now time.Time) {
	if !c.tables.IsWaiting(cid) {
		c.Logger.Error("got an unexpected CREATED message", "circuit_id", cid, "from", from)
		return
	}
	// Own circuits leave waiting_for inside circuit.OnCreatedOrExtended,
	// which refuses a circuit that is no longer waiting.
	if _, own := c.tables.Circuit(cid); !own {
		c.tables.ClearWaiting(cid)
	}

	parsed, err := cell.ParseCreatedPayload(rawTail)
	if err != nil {
		c.Logger.Debug("parse created failed", "circuit_id", cid, "error", err)
		return
	}

	if route, ok := c.tables.RelayRoute(cid); ok {
		c.Logger.Debug("got CREATED message, forwarding as EXTENDED to origin", "circuit_id", cid)
		enc, err := c.tables.CryptoOut(route.PeerCircuitID, rawTail)
		if err != nil {
			c.Logger.Debug("forward created as extended failed", "circuit_id", cid, "error", err)
		} else {
			packet := cell.NewControlCell(route.PeerCircuitID, cell.KindExtended, enc)
			c.send(route.PeerAddr, packet)
		}
	}

	if _, ok := c.tables.Circuit(cid); ok {
		c.onCreatedOrExtended(cid, parsed.DHShare, parsed.CandidateListEnc, now)
	}
}

// onExtendedLocked implements spec §4.5 step 4 for the originator side
// of an EXTENDED reply (the original's on_extended).
func (c *Community) onExtendedLocked(cid uint32, plainTail []byte, now time.Time) {
	if _, ok := c.tables.Circuit(cid); !ok {
		c.Logger.Debug("extended for unknown circuit", "circuit_id", cid)
		return
	}
	parsed, err := cell.ParseExtendedPayload(plainTail)
	if err != nil {
		c.Logger.Debug("parse extended failed", "circuit_id", cid, "error", err)
		return
	}
	c.onCreatedOrExtended(cid, parsed.DHShare, parsed.CandidateListEnc, now)
}

// onExtendLocked implements spec §4.5 "Extend processing at middle hop"
// (the original's on_extend): resolve the chosen pubkey against the
// anon-created cache's offered candidates, draw a fresh downstream
// circuit_id, install the mirrored relay pair, and forward the DH share
// untouched as a CREATE to the new candidate.
func (c *Community) onExtendLocked(cid uint32, plainTail []byte, from netip.AddrPort, now time.Time) {
	parsed, err := cell.ParseExtendPayload(plainTail)
	if err != nil {
		c.Logger.Debug("parse extend failed", "circuit_id", cid, "error", err)
		return
	}

	cached, ok := c.cache.Pop(reqcache.Key{Kind: reqcache.KindAnonCreated, Number: cid})
	if !ok {
		c.Logger.Error("cancelling EXTEND, no anon-created cache entry", "circuit_id", cid)
		return
	}
	record := cached.(reqcache.AnonCreatedRecord)

	newCid, extendAddr, err := circuit.HandleExtend(c.tables, cid, record.Candidates, parsed.ChosenPubKey, from, randUint32)
	if err != nil {
		c.Logger.Error("cancelling EXTEND", "circuit_id", cid, "error", err)
		return
	}

	packet := cell.NewControlCell(newCid, cell.KindCreate, cell.CreatePayload{DHShareEnc: parsed.DHShareEnc}.Marshal())
	c.send(extendAddr, packet)
	c.Logger.Info("extending circuit, sent create to new candidate", "circuit_id", cid, "new_circuit_id", newCid, "target", extendAddr)
}

// onPingLocked and onPongLocked implement spec §4.7 keep-alives (the
// original's on_ping/on_pong). A ping is only answered if this peer is
// currently a terminus for cid.
func (c *Community) onPingLocked(cid uint32, plainTail []byte, from netip.AddrPort) {
	parsed, err := cell.ParsePingPayload(plainTail)
	if err != nil {
		c.Logger.Debug("parse ping failed", "circuit_id", cid, "error", err)
		return
	}
	if !c.tables.HasExitEntry(cid) {
		c.Logger.Error("got ping (not responding)", "circuit_id", cid, "from", from)
		return
	}
	respTail := cell.PongPayload{Identifier: parsed.Identifier}.Marshal()
	enc, err := c.tables.CryptoOut(cid, respTail)
	if err != nil {
		c.Logger.Debug("pong crypto_out failed", "circuit_id", cid, "error", err)
		return
	}
	packet := cell.NewControlCell(cid, cell.KindPong, enc)
	c.send(from, packet)
}

func (c *Community) onPongLocked(cid uint32, plainTail []byte) {
	parsed, err := cell.ParsePongPayload(plainTail)
	if err != nil {
		c.Logger.Debug("parse pong failed", "circuit_id", cid, "error", err)
		return
	}
	c.cache.Pop(reqcache.Key{Kind: reqcache.KindPing, Number: uint32(parsed.Identifier)})
}

// onDataLocked implements spec §4.6 (the original's on_data, past the
// relay check already performed by handlePacketLocked): traffic
// addressed back to this peer's own circuit is handed to the SOCKS
// front-end; anything else is this peer's job to exit to the real
// Internet destination named in the decoded data blob.
func (c *Community) onDataLocked(cid uint32, packet []byte, from netip.AddrPort, now time.Time) {
	_, encrypted := cell.SplitEncryptedPacket(packet)
	dec, err := c.tables.CryptoIn(cid, encrypted)
	if err != nil {
		c.Logger.Debug("data crypto_in failed", "circuit_id", cid, "error", err)
		return
	}
	destination, origin, payload, err := cell.DecodeData(dec)
	if err != nil {
		c.Logger.Debug("decode data failed", "circuit_id", cid, "error", err)
		return
	}

	if circ, ok := c.tables.Circuit(cid); ok && origin != cell.ZeroAddr && from == circ.FirstHop {
		circ.LastIncoming = now
		circ.BytesDown += uint64(len(packet))
		if c.Tunnel != nil {
			c.Tunnel.OnIncomingFromTunnel(cid, origin, payload)
		}
		return
	}

	if destination == cell.ZeroAddr {
		c.Logger.Error("cannot exit data, destination is 0.0.0.0:0", "circuit_id", cid)
		return
	}
	c.exitData(cid, from, destination, payload)
}
