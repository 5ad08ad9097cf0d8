package community

import (
	"context"
	"time"
)

// Run drives the single-writer reactor loop (spec §5): inbound overlay
// datagrams, exit-socket return traffic, the two periodic maintenance
// tasks (do_circuits+do_break every 5s, matching the original's
// LoopingCall(self.do_circuits).start(5, now=True); do_ping every
// PingInterval), and a request-cache timeout sweep all funnel through
// here, each under the community mutex. Calls from other goroutines
// (such as the SOCKS front end's SelectCircuit and TunnelDataToEnd) take
// the same mutex. Run blocks until ctx is cancelled.
func (c *Community) Run(ctx context.Context) {
	circuitsTicker := time.NewTicker(5 * time.Second)
	defer circuitsTicker.Stop()
	pingTicker := time.NewTicker(c.Settings.PingInterval)
	defer pingTicker.Stop()
	timeoutTicker := time.NewTicker(time.Second)
	defer timeoutTicker.Stop()

	c.mu.Lock()
	c.doCircuitsLocked(time.Now())
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-c.sock.Incoming():
			if !ok {
				return
			}
			c.HandlePacket(pkt, time.Now())
		case r := <-c.exitReturns:
			c.handleExitReturn(r, time.Now())
		case <-circuitsTicker.C:
			c.mu.Lock()
			c.doCircuitsLocked(time.Now())
			c.mu.Unlock()
		case <-pingTicker.C:
			c.mu.Lock()
			c.doPingLocked(time.Now())
			c.mu.Unlock()
		case <-timeoutTicker.C:
			c.mu.Lock()
			c.processTimeoutsLocked(time.Now())
			c.mu.Unlock()
		}
	}
}
