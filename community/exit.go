package community

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cvsouth/tunnel-go/cell"
	"github.com/cvsouth/tunnel-go/circuit"
)

// liveExit pairs the accounting circuit.ExitSocket keeps in Tables with
// the ephemeral UDP socket this peer actually exits traffic through
// (spec §4.9 C9, grounded on the original's TunnelExitSocket wrapping a
// reactor.listenUDP(0, ...) port per circuit_id).
type liveExit struct {
	conn      *net.UDPConn
	circuitID uint32
}

// exitReturn is one datagram read back from a live exit socket, handed
// to the reactor loop for onion-wrapping and forwarding toward the
// circuit's inbound neighbour (spec §4.6 "Exit reception").
type exitReturn struct {
	circuitID uint32
	source    netip.AddrPort
	data      []byte
}

// exitData implements spec §4.6 "Exit emission" (the original's
// exit_data): lazily binds a UDP socket for circuitID on first exit
// traffic, then writes data to destination through it, subject to the
// µTP sniff and the abuse counter.
func (c *Community) exitData(circuitID uint32, inboundAddr netip.AddrPort, destination netip.AddrPort, data []byte) {
	ex, ok := c.tables.ExitSocket(circuitID)
	if !ok {
		var err error
		ex, err = c.bindExitSocketLocked(circuitID, inboundAddr)
		if err != nil {
			c.Logger.Error("exit_data: dropping data packets while EXITing", "circuit_id", circuitID, "error", err)
			return
		}
	}

	dest := net.UDPAddrFromAddrPort(destination)
	if ex.CheckNumPackets(destination.Addr(), true, c.Settings.MaxPacketsWithoutReply) {
		c.Logger.Error("too many packets to a destination without a reply, removing exit socket", "circuit_id", circuitID)
		c.removeExitSocketLocked(circuitID, "max packets without reply exceeded")
		return
	}

	ex.BytesUp += uint64(len(data))

	if !cell.CouldBeUTP(data) {
		c.Logger.Error("dropping non-utp packets from exit socket", "circuit_id", circuitID)
		return
	}

	live, ok := c.exits[circuitID]
	if !ok {
		c.Logger.Error("exit_data: no live socket for circuit", "circuit_id", circuitID)
		return
	}
	if _, err := live.conn.WriteToUDP(data, dest); err != nil {
		c.Logger.Debug("exit_data: write failed", "circuit_id", circuitID, "error", err)
		return
	}
}

// bindExitSocketLocked opens the ephemeral UDP socket for a freshly
// joined terminus circuit and starts its read loop. Caller holds c.mu.
func (c *Community) bindExitSocketLocked(circuitID uint32, inboundAddr netip.AddrPort) (*circuit.ExitSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	ex := circuit.NewExitSocket(circuitID, inboundAddr, time.Now())
	c.tables.SetExitSocket(circuitID, ex)
	c.exits[circuitID] = &liveExit{conn: conn, circuitID: circuitID}
	go c.exitReadLoop(circuitID, conn)
	return ex, nil
}

// exitReadLoop feeds datagrams arriving on a live exit socket back to
// the reactor over exitReturns, mirroring the original's
// TunnelExitSocket.datagramReceived without running the decode/crypto
// work off the single-writer thread.
func (c *Community) exitReadLoop(circuitID uint32, conn *net.UDPConn) {
	buf := make([]byte, 65507)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.exitReturns <- exitReturn{circuitID: circuitID, source: addr, data: data}:
		case <-c.closed:
			return
		}
	}
}

// handleExitReturn implements spec §4.6 "Exit reception" (the
// original's TunnelExitSocket.datagramReceived plus
// tunnel_data_to_origin): gate on the abuse counter and the µTP sniff,
// then onion-wrap the reply and send it back to the circuit's inbound
// neighbour as a DATA cell.
func (c *Community) handleExitReturn(r exitReturn, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ex, ok := c.tables.ExitSocket(r.circuitID)
	if !ok {
		return
	}
	ex.LastIncoming = now

	if ex.CheckNumPackets(r.source.Addr().Unmap(), false, c.Settings.MaxPacketsWithoutReply) {
		c.Logger.Error("too many packets to a destination without a reply, removing exit socket", "circuit_id", r.circuitID)
		c.removeExitSocketLocked(r.circuitID, "max packets without reply exceeded")
		return
	}

	ex.BytesDown += uint64(len(r.data))

	if !cell.CouldBeUTP(r.data) {
		c.Logger.Error("dropping non-utp packets to exit socket", "circuit_id", r.circuitID)
		return
	}

	if err := c.tunnelDataToOriginLocked(r.circuitID, ex.InboundAddr, r.source, r.data); err != nil {
		c.Logger.Debug("tunnel_data_to_origin failed", "circuit_id", r.circuitID, "error", err)
	}
}

// removeExitSocketLocked tears down a terminus circuit's UDP socket and
// table entry (spec §3 "remove_exit_socket"). Caller holds c.mu.
func (c *Community) removeExitSocketLocked(circuitID uint32, reason string) {
	if live, ok := c.exits[circuitID]; ok {
		_ = live.conn.Close()
		delete(c.exits, circuitID)
	}
	c.tables.RemoveExitSocket(circuitID)
	c.Logger.Info("removed exit socket", "circuit_id", circuitID, "reason", reason)
}

// tunnelDataToOriginLocked implements spec §4.6 (the original's
// tunnel_data_to_origin): wrap a reply arriving at the exit as a DATA
// cell addressed back to whichever neighbour sent the outbound request,
// and send it over the shared overlay socket — never over the exit's
// own ephemeral socket. Caller holds c.mu.
func (c *Community) tunnelDataToOriginLocked(circuitID uint32, inboundAddr, source netip.AddrPort, data []byte) error {
	blob, err := cell.EncodeData(cell.ZeroAddr, source, data)
	if err != nil {
		return fmt.Errorf("tunnel_data_to_origin: %w", err)
	}
	enc, err := c.tables.CryptoOut(circuitID, blob)
	if err != nil {
		return fmt.Errorf("tunnel_data_to_origin: %w", err)
	}
	packet := cell.NewDataCell(circuitID, enc)
	c.send(inboundAddr, packet)
	return nil
}
