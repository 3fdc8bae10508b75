package hub

import (
	"bytes"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/server"
)

// DefaultNameFieldWidth is the fixed width, in bytes, of the
// service-name field in every forwarded and subscribe/unsubscribe
// frame, per §6's websocket surface for the gateway's /service route.
const DefaultNameFieldWidth = 128

const serviceRoute = "/service"

// entry is one service's forwarding state: the current upstream
// subscription (nil if ABSENT), whether a dial for it is already in
// flight, and the set of subscribed downstream Connections.
type entry struct {
	upstream    Upstream
	dialing     bool
	subscribers map[netcore.ConnID]netcore.Connection
}

// Hub is the Service Forwarding Hub.
type Hub struct {
	srv          *server.Server
	upstreamOpen UpstreamFactory
	nameWidth    int

	mu          sync.Mutex
	entries     map[string]*entry
	connEntries map[netcore.ConnID]map[string]bool

	pending   map[string]bool
	cronSched *cron.Cron
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithNameFieldWidth overrides DefaultNameFieldWidth.
func WithNameFieldWidth(n int) Option {
	return func(h *Hub) { h.nameWidth = n }
}

// New creates a Hub serving srv's /service route and opening upstream
// subscriptions via openUpstream. srv must not yet be bound.
func New(srv *server.Server, openUpstream UpstreamFactory, opts ...Option) *Hub {
	h := &Hub{
		srv:          srv,
		upstreamOpen: openUpstream,
		nameWidth:    DefaultNameFieldWidth,
		entries:      make(map[string]*entry),
		connEntries:  make(map[netcore.ConnID]map[string]bool),
		pending:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}

	srv.Engine().GET(serviceRoute, srv.ServeWebsocket)
	srv.OnMessage(h.onMessage)
	srv.OnConnectionClose(h.onConnectionClose)

	return h
}

// Bind starts the gateway listening on cfg.
func (h *Hub) Bind(cfg netcore.BindConfig) error {
	return h.srv.Bind(cfg)
}

// Stop tears down the gateway's listener, every downstream peer and
// every live upstream subscription.
func (h *Hub) Stop() {
	h.srv.Stop()
	if h.cronSched != nil {
		h.cronSched.Stop()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, e := range h.entries {
		if e.upstream != nil {
			_ = e.upstream.Close()
		}
		delete(h.entries, name)
	}
}

// StartResubscriptionSweep arms a cron job that retries opening the
// upstream for any entry whose subscription previously failed, per
// §4.5's "policy: deferred" and §7's "the entry remains ACTIVE and
// will resubscribe on recovery." Grounded on the teacher's reliance on
// a scheduled maintenance pass rather than immediate inline retry.
func (h *Hub) StartResubscriptionSweep(spec string) error {
	h.cronSched = cron.New()
	_, err := h.cronSched.AddFunc(spec, h.sweepPending)
	if err != nil {
		return err
	}
	h.cronSched.Start()
	return nil
}

func (h *Hub) sweepPending() {
	h.mu.Lock()
	names := make([]string, 0, len(h.pending))
	for name := range h.pending {
		names = append(names, name)
	}
	h.mu.Unlock()

	for _, name := range names {
		h.mu.Lock()
		e, ok := h.entries[name]
		if !ok || e.upstream != nil || e.dialing || len(e.subscribers) == 0 {
			delete(h.pending, name)
			h.mu.Unlock()
			continue
		}
		e.dialing = true
		h.mu.Unlock()

		up, err := h.upstreamOpen(name, func(payload []byte) { h.forward(name, payload) })

		h.mu.Lock()
		e2, ok := h.entries[name]
		if !ok {
			h.mu.Unlock()
			if err == nil {
				_ = up.Close()
			}
			continue
		}
		e2.dialing = false
		switch {
		case err != nil:
			logger.Hub().Warn().Str("service", name).Err(err).Msg("deferred resubscription still failing")
		case len(e2.subscribers) == 0 || e2.upstream != nil:
			delete(h.pending, name)
			h.mu.Unlock()
			_ = up.Close()
			continue
		default:
			e2.upstream = up
			delete(h.pending, name)
			logger.Hub().Info().Str("service", name).Msg("deferred resubscription succeeded")
		}
		h.mu.Unlock()
	}
}

// onMessage parses the fixed-width subscribe/unsubscribe protocol.
func (h *Hub) onMessage(conn netcore.Connection, frame netcore.WebsocketFrame) {
	if conn.Route != serviceRoute {
		return
	}

	name, action, err := parseControlFrame(frame.Payload, h.nameWidth)
	if err != nil {
		logger.Hub().Warn().Err(err).Msg("dropping malformed control frame")
		return
	}

	switch action {
	case "subscribe":
		h.subscribe(name, conn)
	case "unsubscribe":
		h.unsubscribe(name, conn)
	default:
		logger.Hub().Warn().Str("action", action).Msg("unknown control action, ignoring")
	}
}

func parseControlFrame(payload []byte, width int) (name, action string, err error) {
	if len(payload) < width {
		return "", "", errShortFrame
	}
	name = strings.TrimRight(string(payload[:width]), " ")
	action = string(payload[width:])
	return name, action, nil
}

var errShortFrame = protocolErr("control frame shorter than the service-name field")

type protocolErr string

func (e protocolErr) Error() string { return string(e) }

func (h *Hub) subscribe(name string, conn netcore.Connection) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if !ok {
		e = &entry{subscribers: make(map[netcore.ConnID]netcore.Connection)}
		h.entries[name] = e
	}
	e.subscribers[conn.ID] = conn

	if h.connEntries[conn.ID] == nil {
		h.connEntries[conn.ID] = make(map[string]bool)
	}
	h.connEntries[conn.ID][name] = true

	needsUpstream := e.upstream == nil && !e.dialing
	if needsUpstream {
		e.dialing = true
	}
	h.mu.Unlock()

	if !needsUpstream {
		return
	}

	// Dialing the upstream can block; do it off the Event Loop and
	// apply the result back on the loop. entries/pending are guarded by
	// h.mu, since the resubscription sweep also mutates them from its
	// cron goroutine. The dialing flag
	// set above keeps a second concurrent subscribe from starting a
	// second dial for the same not-yet-established service.
	loop := h.srv.Loop()
	go func() {
		up, err := h.upstreamOpen(name, func(payload []byte) { h.forward(name, payload) })
		loop.InvokeAsync(func() { h.applyUpstream(name, up, err) })
	}()
}

func (h *Hub) applyUpstream(name string, up Upstream, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[name]
	if !ok || len(e.subscribers) == 0 {
		if ok {
			e.dialing = false
		}
		if err == nil {
			_ = up.Close()
		}
		return
	}
	e.dialing = false
	if err != nil {
		logger.Hub().Warn().Str("service", name).Err(err).Msg("upstream subscription failed, will retry")
		h.pending[name] = true
		return
	}
	if e.upstream != nil {
		// Another dial (e.g. a deferred resubscription sweep) already
		// landed an upstream for this entry; never run two live upstreams
		// for the same service.
		_ = up.Close()
		return
	}
	e.upstream = up
	delete(h.pending, name)
}

func (h *Hub) unsubscribe(name string, conn netcore.Connection) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(e.subscribers, conn.ID)
	if h.connEntries[conn.ID] != nil {
		delete(h.connEntries[conn.ID], name)
	}

	var toClose Upstream
	if len(e.subscribers) == 0 {
		toClose = e.upstream
		delete(h.entries, name)
		delete(h.pending, name)
	}
	h.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}
}

// onConnectionClose removes conn from every entry it subscribed to,
// atomically dropping any entry (and its upstream) left with no
// subscribers.
func (h *Hub) onConnectionClose(conn netcore.Connection) {
	h.mu.Lock()
	names := h.connEntries[conn.ID]
	delete(h.connEntries, conn.ID)

	var toClose []Upstream
	for name := range names {
		e, ok := h.entries[name]
		if !ok {
			continue
		}
		delete(e.subscribers, conn.ID)
		if len(e.subscribers) == 0 {
			if e.upstream != nil {
				toClose = append(toClose, e.upstream)
			}
			delete(h.entries, name)
			delete(h.pending, name)
		}
	}
	h.mu.Unlock()

	for _, up := range toClose {
		_ = up.Close()
	}
}

// forward delivers payload to every current subscriber of name, each
// frame prefixed with the name padded to the configured field width.
// A send failure to one peer never prevents delivery to the others.
func (h *Hub) forward(name string, payload []byte) {
	h.mu.Lock()
	e, ok := h.entries[name]
	var subs []netcore.Connection
	if ok {
		subs = make([]netcore.Connection, 0, len(e.subscribers))
		for _, c := range e.subscribers {
			subs = append(subs, c)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	framed := h.frame(name, payload)
	for _, c := range subs {
		h.srv.Send(c, framed)
	}
}

func (h *Hub) frame(name string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(h.nameWidth + len(payload))
	buf.WriteString(name)
	for i := len(name); i < h.nameWidth; i++ {
		buf.WriteByte(' ')
	}
	buf.Write(payload)
	return buf.Bytes()
}
