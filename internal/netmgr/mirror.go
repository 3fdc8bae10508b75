package netmgr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
)

// RedisMirror fans a Network Manager's register/deregister events out
// over a Redis pub/sub channel so a replica's own /list reflects
// registrations that landed on a sibling replica. It is ephemeral by
// design — nothing is written with a TTL or read back as the source of
// truth; the owning process's own byName/byConn maps remain
// authoritative, matching the fabric's "no persisted state" Non-goal.
// Connection pool settings mirror the teacher's Redis cache client
// (api/internal/cache/cache.go).
type RedisMirror struct {
	client  *redis.Client
	channel string
}

type mirrorEvent struct {
	Kind string             `json:"kind"`
	Info netcore.ServerInfo `json:"info,omitempty"`
	Name string             `json:"name,omitempty"`
}

// RedisMirrorConfig addresses the shared Redis instance backing a
// fleet of Network Manager replicas.
type RedisMirrorConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisMirror dials addr and verifies connectivity with a Ping.
func NewRedisMirror(cfg RedisMirrorConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "netfabric:netmgr:fleet"
	}
	return &RedisMirror{client: client, channel: channel}, nil
}

// OnRegister publishes a registration event. Errors are logged, not
// returned: losing a mirror broadcast never breaks local correctness.
func (m *RedisMirror) OnRegister(info netcore.ServerInfo) {
	m.publish(mirrorEvent{Kind: "register", Info: info})
}

// OnDeregister publishes a deregistration event.
func (m *RedisMirror) OnDeregister(name string) {
	m.publish(mirrorEvent{Kind: "deregister", Name: name})
}

func (m *RedisMirror) publish(evt mirrorEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.NetworkManager().Warn().Err(err).Msg("failed to marshal mirror event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		logger.NetworkManager().Warn().Err(err).Msg("failed to publish mirror event")
	}
}

// Watch subscribes to sibling replicas' events and invokes onRemote
// for each one observed, until ctx is cancelled. Intended to be run in
// its own goroutine; onRemote is responsible for merging the event
// into a read-only, replica-local view (never the authoritative map).
func (m *RedisMirror) Watch(ctx context.Context, onRemote func(kind string, info netcore.ServerInfo, name string)) {
	sub := m.client.Subscribe(ctx, m.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt mirrorEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.NetworkManager().Warn().Err(err).Msg("dropping malformed mirror event")
				continue
			}
			onRemote(evt.Kind, evt.Info, evt.Name)
		}
	}
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
