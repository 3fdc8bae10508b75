// Package hub implements the Service Forwarding Hub: it multiplexes a
// single upstream subscription per service name to a dynamic set of
// downstream websocket subscribers on the gateway's /service route.
package hub

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/dqm4hep/netfabric/internal/logger"
)

// Upstream is one live subscription to a service's payload source.
// The onPayload callback given to the UpstreamFactory is invoked with
// each published payload until Close is called. Two concrete implementations are provided: a websocket
// Upstream (dialing another Server Endpoint's publish route, the
// fabric's native transport) and a NATS Upstream (for services whose
// producer publishes over a message broker instead).
type Upstream interface {
	Close() error
}

// UpstreamFactory opens a new upstream subscription for service name,
// invoking onPayload for every inbound message. It returns an Upstream
// to later Close, or an error if the subscription could not be
// established (the hub then defers a retry per §4.5/§7).
type UpstreamFactory func(name string, onPayload func([]byte)) (Upstream, error)

// WebsocketUpstreamFactory builds an UpstreamFactory that dials another
// Server Endpoint's websocket route, treating name itself as the route
// (e.g. a service named "/svc" is published on ws://host:port/svc).
// This is the fabric's native forwarding source, grounded on the same
// gorilla/websocket dialer the Client Endpoint uses.
func WebsocketUpstreamFactory(host string, port int) UpstreamFactory {
	return func(name string, onPayload func([]byte)) (Upstream, error) {
		url := fmt.Sprintf("ws://%s:%d%s", host, port, name)
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}

		u := &websocketUpstream{conn: conn}
		go u.pump(onPayload)
		return u, nil
	}
}

type websocketUpstream struct {
	conn *websocket.Conn
}

func (u *websocketUpstream) pump(onPayload func([]byte)) {
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			return
		}
		onPayload(data)
	}
}

func (u *websocketUpstream) Close() error {
	return u.conn.Close()
}

// NATSUpstreamFactory builds an UpstreamFactory backed by a NATS
// subject equal to the service name, for producers that publish over
// a message broker instead of a fabric websocket. Reconnect behavior
// mirrors the teacher's subscriber (api/internal/events/subscriber.go):
// bounded reconnect attempts with a fixed wait between them.
func NATSUpstreamFactory(nc *nats.Conn) UpstreamFactory {
	return func(name string, onPayload func([]byte)) (Upstream, error) {
		sub, err := nc.Subscribe(name, func(msg *nats.Msg) {
			onPayload(msg.Data)
		})
		if err != nil {
			return nil, err
		}
		return &natsUpstream{sub: sub}, nil
	}
}

type natsUpstream struct {
	sub *nats.Subscription
}

func (u *natsUpstream) Close() error {
	return u.sub.Unsubscribe()
}

// DialNATS opens a connection suitable for NATSUpstreamFactory,
// mirroring the teacher's reconnect/error-handler options.
func DialNATS(url string) (*nats.Conn, error) {
	log := logger.Hub()
	return nats.Connect(url,
		nats.Name("netfabric-hub"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS upstream disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS upstream reconnected")
		}),
	)
}
