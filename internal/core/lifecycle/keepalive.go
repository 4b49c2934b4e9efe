package lifecycle

import "fmt"

// The keepalive monitor runs only while the connection is confirmed. Each tick
// samples the transport counters; when neither bytes nor packets have grown
// for StaleAfter, the connection is treated as failed.

func (c *Controller) startKeepalive() {
	if c.transport != nil {
		c.lastSample = c.transport.Stats()
	}
	c.lastProgress = c.clock.Now()
	c.scheduleKeepalive()
}

func (c *Controller) scheduleKeepalive() {
	stopTimer(&c.keepalive)
	token := c.token
	c.keepalive = c.clock.AfterFunc(c.cfg.KeepaliveInterval, func() {
		c.post(event{kind: evKeepalive, token: token})
	})
}

func (c *Controller) onKeepalive(token uint64) {
	if token != c.token || !c.confirmed || c.transport == nil {
		return
	}

	now := c.clock.Now()
	stats := c.transport.Stats()
	if stats.BytesReceived > c.lastSample.BytesReceived || stats.PacketsReceived > c.lastSample.PacketsReceived {
		c.lastProgress = now
	}
	c.lastSample = stats

	if idle := now.Sub(c.lastProgress); idle >= c.cfg.StaleAfter {
		c.fail("stale", fmt.Errorf("no media received for %s", idle))
		return
	}

	c.logger.Debugw("keepalive", "bytes_received", stats.BytesReceived, "packets_received", stats.PacketsReceived)
	c.scheduleKeepalive()
}
