package client

import (
	"sync/atomic"
	"time"

	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
)

// BackoffPolicy bounds the exponential reconnect delay: the first retry
// waits Initial, each subsequent retry doubles up to Max.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff mirrors the teacher's stepped agent-reconnect
// schedule (1s, 2s, 4s, ... capped at 30s) collapsed into a policy
// instead of a fixed slice of attempts.
var DefaultBackoff = BackoffPolicy{Initial: time.Second, Max: 30 * time.Second}

// Reconnector drives a Client through automatic reconnection with
// exponential backoff whenever the underlying socket closes, per
// SPEC_FULL.md's supplemented reconnection behavior. It generalizes
// the teacher's Reconnect loop (agents/k8s-agent/connection.go), which
// retried a fixed attempt table, into an unbounded backoff that keeps
// retrying until Stop is called.
type Reconnector struct {
	client  *Client
	cfg     netcore.ConnectConfig
	policy  BackoffPolicy
	stopped atomic.Bool
}

// NewReconnector wraps client so that any close (dial failure or
// transport loss) schedules a backed-off reconnect attempt. The
// client's own onClose callback, if set beforehand, still fires first.
func NewReconnector(c *Client, cfg netcore.ConnectConfig, policy BackoffPolicy) *Reconnector {
	r := &Reconnector{client: c, cfg: cfg, policy: policy}

	existingClose := c.onClose
	c.OnClose(func() {
		if existingClose != nil {
			existingClose()
		}
		r.scheduleRetry(r.policy.Initial)
	})

	return r
}

// Start performs the initial connect and arms the reconnect loop.
func (r *Reconnector) Start() error {
	return r.client.ConnectWith(r.cfg)
}

// Stop disarms the reconnect loop; a subsequent close will not
// trigger any further reconnect attempts.
func (r *Reconnector) Stop() {
	r.stopped.Store(true)
}

func (r *Reconnector) scheduleRetry(delay time.Duration) {
	if r.stopped.Load() {
		return
	}
	log := logger.Client()
	log.Info().Dur("delay", delay).Msg("scheduling reconnect attempt")

	time.AfterFunc(delay, func() {
		if r.stopped.Load() {
			return
		}
		if err := r.client.Connect(); err != nil {
			log.Warn().Err(err).Msg("reconnect attempt rejected")
		}
		next := delay * 2
		if next > r.policy.Max {
			next = r.policy.Max
		}
		if !r.client.Connected() {
			r.scheduleRetry(next)
		}
	})
}
