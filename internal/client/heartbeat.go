package client

import "time"

// StartHeartbeat sends payload over this client's connection every
// interval until the returned stop function is called. Ticks that fall
// while the client is disconnected are skipped; the loop keeps running
// and resumes sending once the client is connected again. Grounded on the teacher's agent SendHeartbeats loop
// (agents/k8s-agent/connection.go); unlike that agent, nothing in this
// fabric's registry requires a heartbeat to stay registered — spec.md
// is explicit that a dropped connection is the sole deregistration
// signal — so this exists purely as an optional liveness signal a
// caller may layer on top.
func (c *Client) StartHeartbeat(interval time.Duration, payload func() []byte) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !c.Connected() {
					continue
				}
				c.SendText(payload())
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
