package circuit

import (
	"net/netip"
	"time"
)

// NewExitSocket lazily creates exit-side terminus state on first exit
// traffic (spec §4.6 "Exit emission").
func NewExitSocket(cid uint32, inboundAddr netip.AddrPort, now time.Time) *ExitSocket {
	return &ExitSocket{
		CircuitID:    cid,
		InboundAddr:  inboundAddr,
		IPCounters:   make(map[netip.Addr]int),
		CreationTime: now,
		LastIncoming: now,
	}
}

// CheckNumPackets implements spec §4.6/§9 open question 2: the
// per-destination counter increments on every outgoing packet and is
// cleared (not decremented) on every matching incoming packet. It
// reports whether this observation should cause the exit socket to be
// destroyed: outgoing exceeding max_packets_without_reply, or incoming
// still exceeding max_packets_without_reply+1 despite the clear (the one-
// higher incoming threshold tolerates a reply racing the next outgoing
// send). This is the observed upstream behavior, not a "fixed" debit
// counter — see DESIGN.md for why it's kept as-is.
func (s *ExitSocket) CheckNumPackets(destination netip.Addr, outgoing bool, maxPacketsWithoutReply int) bool {
	if outgoing {
		s.IPCounters[destination]++
		return s.IPCounters[destination] > maxPacketsWithoutReply
	}
	exceeded := s.IPCounters[destination] > maxPacketsWithoutReply+1
	s.IPCounters[destination] = 0
	return exceeded
}
