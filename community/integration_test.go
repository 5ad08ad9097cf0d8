package community

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/transport"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genKeys(t *testing.T, seed byte) (*xcrypto.IdentityKeyPair, *xcrypto.HybridKeyPair) {
	t.Helper()
	var s [32]byte
	s[0] = seed
	identity, err := xcrypto.GenerateIdentityKeypair(s)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	hybrid, err := xcrypto.GenerateHybridKeyPair()
	if err != nil {
		t.Fatalf("generate hybrid: %v", err)
	}
	return identity, hybrid
}

// fakeTunnel records the socks front-end callbacks a real *socks.Server
// would otherwise receive (spec §6).
type fakeTunnel struct {
	incoming chan incomingCall
	dead     chan uint32
}

type incomingCall struct {
	circuitID uint32
	origin    netip.AddrPort
	data      []byte
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{incoming: make(chan incomingCall, 8), dead: make(chan uint32, 8)}
}

func (f *fakeTunnel) OnIncomingFromTunnel(circuitID uint32, origin netip.AddrPort, data []byte) {
	cp := append([]byte(nil), data...)
	f.incoming <- incomingCall{circuitID: circuitID, origin: origin, data: cp}
}

func (f *fakeTunnel) CircuitDead(circuitID uint32) { f.dead <- circuitID }

// utpLikePayload builds a minimal payload that passes cell.CouldBeUTP's
// header sniff, with a trailing marker so a round trip is distinguishable.
func utpLikePayload(marker byte) []byte {
	out := make([]byte, 24)
	out[0] = 0x11 // version 1, type ST_FIN(1)
	out[1] = 0x00 // no extensions
	out[len(out)-1] = marker
	return out
}

// TestSingleHopExitRoundTrip builds a one-hop circuit over real loopback
// UDP sockets between two Community instances, pushes a datagram through
// the tunnel to a plain UDP echo server standing in for "the real
// Internet", and checks the reply makes it back to the originator's
// Tunnel callback (spec §8 scenario, exercising CreateCircuit, on_create,
// on_created, exit_data, and tunnel_data_to_origin end to end).
func TestSingleHopExitRoundTrip(t *testing.T) {
	logger := testLogger()

	echoConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	defer func() { _ = echoConn.Close() }()
	echoAddr := netip.MustParseAddrPort(echoConn.LocalAddr().String())

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := utpLikePayload(buf[n-1])
			_, _ = echoConn.WriteToUDP(reply, from)
		}
	}()

	originSock, err := transport.Listen("127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	defer func() { _ = originSock.Close() }()

	exitSock, err := transport.Listen("127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("listen exit: %v", err)
	}
	defer func() { _ = exitSock.Close() }()

	originIdentity, originHybrid := genKeys(t, 1)
	exitIdentity, exitHybrid := genKeys(t, 2)

	settings := DefaultSettings()

	originCore := New(originSock, originIdentity, originHybrid, NewStaticDiscovery(nil, nil), settings, logger)
	defer originCore.Close()
	exitCore := New(exitSock, exitIdentity, exitHybrid, NewStaticDiscovery(nil, nil), settings, logger)
	defer exitCore.Close()

	tunnel := newFakeTunnel()
	originCore.Tunnel = tunnel

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); originCore.Run(ctx) }()
	go func() { defer wg.Done(); exitCore.Run(ctx) }()
	defer wg.Wait()

	exitCandidate := circuit.Candidate{PublicKey: exitIdentity.Public, HybridKey: exitHybrid.Public, Addr: exitSock.LocalAddr()}
	if err := originCore.CreateCircuit(exitCandidate, 1, time.Now()); err != nil {
		t.Fatalf("create circuit: %v", err)
	}

	var circuitID uint32
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cid, ok := originCore.SelectCircuit(); ok {
			circuitID = cid
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if circuitID == 0 {
		t.Fatal("circuit never became ready")
	}

	outbound := utpLikePayload(0x42)
	if err := originCore.TunnelDataToEnd(echoAddr, outbound, circuitID); err != nil {
		t.Fatalf("tunnel data to end: %v", err)
	}

	select {
	case call := <-tunnel.incoming:
		if call.circuitID != circuitID {
			t.Fatalf("reply arrived on wrong circuit: got %d, want %d", call.circuitID, circuitID)
		}
		if call.origin != echoAddr {
			t.Fatalf("reply origin mismatch: got %v, want %v", call.origin, echoAddr)
		}
		if len(call.data) == 0 || call.data[len(call.data)-1] != 0x42 {
			t.Fatalf("reply payload marker mismatch: %v", call.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit round trip")
	}
}
