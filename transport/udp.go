// Package transport is the raw UDP endpoint the community's gossip
// substrate (spec §6) sends and receives opaque packets over. It replaces
// the teacher's link package (a TLS+TCP per-relay connection) since this
// protocol has no per-circuit connection at all: every cell for every
// circuit this peer touches shares one UDP socket, addressed by circuit_id
// in the cell itself rather than by which connection it arrived on.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/cvsouth/tunnel-go/cell"
)

// Packet is one inbound datagram, handed to the reactor loop (spec §5:
// "packets crossing the boundary are marshalled onto the reactor thread
// before touching core state").
type Packet struct {
	Data []byte
	From netip.AddrPort
}

// readBufSize is sized for the largest datagram this overlay will ever
// receive; µTP payloads relayed at the exit are well under typical path
// MTU, so anything near the UDP theoretical max indicates a malformed or
// hostile packet rather than a legitimate cell.
const readBufSize = 65507

// Socket owns one UDP listener and fans inbound datagrams out over a
// channel instead of invoking a callback directly, so the single-threaded
// reactor (spec §5) can multiplex it against its timers with a select.
type Socket struct {
	conn     *net.UDPConn
	logger   *slog.Logger
	incoming chan Packet
	closed   chan struct{}
}

// Listen binds a UDP socket at addr and starts its background read loop.
// The read loop only ever writes to s.incoming; it never touches core
// state directly.
func Listen(addr string, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}

	s := &Socket{
		conn:     conn,
		logger:   logger,
		incoming: make(chan Packet, 64),
		closed:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Debug("udp read error", "error", err)
				return
			}
		}
		if n > cell.MaxPacket {
			s.logger.Debug("dropping oversized datagram", "from", addr, "bytes", n)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.incoming <- Packet{Data: data, From: addr}:
		case <-s.closed:
			return
		}
	}
}

// Incoming is the channel the reactor loop selects on for inbound
// datagrams.
func (s *Socket) Incoming() <-chan Packet {
	return s.incoming
}

// Send transmits a raw packet to a peer address (spec §6: "an endpoint
// that sends opaque packets to peer addresses with an optional 4-byte
// prefix" — the prefix itself is cell.DataPrefix, already part of data
// for data-plane cells, so Send never needs to add one).
func (s *Socket) Send(to netip.AddrPort, data []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(data, to)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", to, err)
	}
	return nil
}

// LocalAddr reports the bound ephemeral or fixed address, used by the
// tunnel-node command and the tests to learn the listening port.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops the read loop and releases the socket.
func (s *Socket) Close() error {
	close(s.closed)
	return s.conn.Close()
}
