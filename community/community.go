// Package community is the reactor that wires the routing tables (C2),
// request cache (C3), cell codec (C4), circuit builder (C5), relay/exit
// dispatcher (C6), lifecycle manager (C7), selection policy (C8), and
// exit sockets (C9) into one running peer (C10 "Community glue"), the
// way the teacher's cmd/tor-client/main.go wires circuit/link/socks
// together — except here the wiring is itself a package, since this
// core runs continuously rather than building one circuit and exiting.
package community

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/reqcache"
	"github.com/cvsouth/tunnel-go/transport"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

// maxExtensionCandidates bounds how many verified peers a joining hop
// offers as extension targets (spec §4.5 joining-peer step 5: "Select
// ≤4 verified candidates").
const maxExtensionCandidates = 4

// Tunnel is the callback surface the SOCKS front-end needs from this
// core (spec §6): return traffic and dead-circuit notifications. A nil
// Tunnel is valid — a peer that only relays/exits for others never
// needs one.
type Tunnel interface {
	OnIncomingFromTunnel(circuitID uint32, origin netip.AddrPort, data []byte)
	CircuitDead(circuitID uint32)
}

// Community is one running peer: its identity, its routing tables, and
// the reactor that drives circuit building, relaying, exiting, and the
// periodic lifecycle tasks (spec §2 C10, §5).
//
// Design note (spec §9 "Single-writer discipline"): rather than funnel
// every mutation through one dedicated goroutine, this core gates all
// table/cache mutation behind a single mutex (mu). Every socket read
// loop and every SOCKS-facing entry point takes mu before touching
// tables, cache, or rr — so the invariants of spec §3 hold exactly as
// they would under a single-threaded reactor, without this package
// needing its own channel-based event loop on top of Go's goroutines.
// Per-entry locking is explicitly rejected, matching spec §9's guidance.
type Community struct {
	Settings  Settings
	Identity  *xcrypto.IdentityKeyPair
	Hybrid    *xcrypto.HybridKeyPair
	Discovery Discovery
	Tunnel    Tunnel
	Logger    *slog.Logger

	sock *transport.Socket

	mu     sync.Mutex
	tables *circuit.Tables
	cache  *reqcache.Cache
	rr     circuit.RoundRobin
	exits  map[uint32]*liveExit

	exitReturns chan exitReturn
	closed      chan struct{}
	closeOnce   sync.Once
}

// New constructs a Community bound to an already-listening UDP socket.
func New(sock *transport.Socket, identity *xcrypto.IdentityKeyPair, hybrid *xcrypto.HybridKeyPair, discovery Discovery, settings Settings, logger *slog.Logger) *Community {
	if logger == nil {
		logger = slog.Default()
	}
	return &Community{
		Settings:    settings,
		Identity:    identity,
		Hybrid:      hybrid,
		Discovery:   discovery,
		Logger:      logger,
		sock:        sock,
		tables:      circuit.NewTables(),
		cache:       reqcache.New(),
		exits:       make(map[uint32]*liveExit),
		exitReturns: make(chan exitReturn, 64),
		closed:      make(chan struct{}),
	}
}

// Close releases every live exit socket this peer holds. It does not
// close the shared transport socket, which the caller owns.
func (c *Community) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		for cid, ex := range c.exits {
			_ = ex.conn.Close()
			delete(c.exits, cid)
		}
	})
}

func randUint32() uint32 { return rand.Uint32() }

func randUint16() uint16 { return uint16(rand.Uint32()) }

// pickExtensionCandidates selects up to maxExtensionCandidates verified
// peers to offer a newly joined circuit as extension targets (spec §4.5
// joining-peer step 5). The original does not exclude the requester
// itself here — FilterCandidates on the originator side already drops
// any candidate whose key matches an existing hop.
func (c *Community) pickExtensionCandidates() []circuit.Candidate {
	pool := c.Discovery.VerifiedCandidates()
	out := make([]circuit.Candidate, 0, maxExtensionCandidates)
	for _, cand := range pool {
		if !xcrypto.IsKeyCompatible(cand.PublicKey) {
			continue
		}
		out = append(out, cand)
		if len(out) == maxExtensionCandidates {
			break
		}
	}
	return out
}

// candidatesByKey indexes a candidate set by identity public key, the
// lookup HandleExtend needs to resolve a chosen pubkey to an address
// (spec §4.5 "Extend processing at middle hop" step 1).
func candidatesByKey(candidates []circuit.Candidate) map[[xcrypto.IdentityKeyLen]byte]circuit.Candidate {
	out := make(map[[xcrypto.IdentityKeyLen]byte]circuit.Candidate, len(candidates))
	for _, cand := range candidates {
		out[cand.PublicKey] = cand
	}
	return out
}

func (c *Community) send(to netip.AddrPort, packet []byte) {
	if err := c.sock.Send(to, packet); err != nil {
		c.Logger.Debug("send failed", "to", to, "error", err)
	}
}

// SelectCircuit implements the read half of the socks.Tunnel contract
// (spec §6, §4.8): RoundRobin.Select over active_circuits.
func (c *Community) SelectCircuit() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rr.Select(c.tables)
}

// TunnelDataToEnd implements the write half of the socks.Tunnel contract
// (spec §6): onion-encrypt the payload for circuitID and send it toward
// the circuit's first hop as a data cell.
func (c *Community) TunnelDataToEnd(dest netip.AddrPort, data []byte, circuitID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnelDataToEndLocked(dest, data, circuitID)
}

func (c *Community) tunnelDataToEndLocked(dest netip.AddrPort, data []byte, circuitID uint32) error {
	circ, ok := c.tables.Circuit(circuitID)
	if !ok {
		return fmt.Errorf("tunnel_data_to_end: unknown circuit %d", circuitID)
	}
	blob, err := cell.EncodeData(dest, cell.ZeroAddr, data)
	if err != nil {
		return fmt.Errorf("tunnel_data_to_end: %w", err)
	}
	enc, err := c.tables.CryptoOut(circuitID, blob)
	if err != nil {
		return fmt.Errorf("tunnel_data_to_end: %w", err)
	}
	packet := cell.NewDataCell(circuitID, enc)
	circ.BytesUp += uint64(len(packet))
	c.send(circ.FirstHop, packet)
	return nil
}
