// Package netmgr implements the Network Manager: the single in-memory
// registry for a fleet of servers, embedding a Server Endpoint bound
// to a well-known port.
//
// The register/conflict/deregister-on-close pattern is grounded on the
// teacher's AgentHub (api/internal/websocket/agent_hub.go), which kept
// a connection->identity map and an identity->record map updated
// together under one mutex; here the bookkeeping moves onto the Server
// Endpoint's Event Loop instead of a mutex, per §5's "Fleet state ...
// accessed only from the loop thread — no explicit locking." HTTP
// reads of the fleet (GET /list) hop onto the loop via Loop.Invoke so
// they observe a state that is never torn mid-mutation.
package netmgr

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/server"
)

const serversRoute = "/servers"

type registerMessage struct {
	Action   string              `json:"action"`
	Server   string              `json:"server"`
	Host     string              `json:"host"`
	Port     int                 `json:"port"`
	Services netcore.ServiceInfo `json:"services"`
}

type regfailMessage struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Mirror is an optional fleet-state observer, implemented by
// internal/netmgr/mirror.go's Redis-backed mirror for cross-replica
// visibility. The registry calls it after every mutation; it never
// gates correctness since mirroring is ephemeral, not persistence.
type Mirror interface {
	OnRegister(info netcore.ServerInfo)
	OnDeregister(name string)
}

// Manager is the Network Manager.
type Manager struct {
	srv *server.Server

	byName map[string]netcore.ServerInfo
	byConn map[netcore.ConnID]string

	// remote holds sibling-replica registrations observed through a
	// Mirror's Watch side. It is read-only from this replica's
	// perspective — only ApplyRemote ever writes to it — and byName
	// always wins over it in List, since a registration on this replica
	// is ground truth for names it actually holds a connection for.
	remote map[string]netcore.ServerInfo

	mirror Mirror
}

// New creates a Network Manager on top of srv, wiring its HTTP and
// websocket callbacks. srv must not yet be bound.
func New(srv *server.Server) *Manager {
	m := &Manager{
		srv:    srv,
		byName: make(map[string]netcore.ServerInfo),
		byConn: make(map[netcore.ConnID]string),
		remote: make(map[string]netcore.ServerInfo),
	}

	srv.Engine().GET(serversRoute, srv.ServeWebsocket)
	srv.Engine().GET("/list", m.handleList)

	srv.OnMessage(m.onMessage)
	srv.OnConnectionClose(m.onConnectionClose)

	return m
}

// SetMirror attaches an optional ephemeral fleet-state mirror.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mirror = mirror
}

// ApplyRemote merges one event observed from a sibling replica's mirror
// channel into this replica's read-only remote view. It matches the
// onRemote signature RedisMirror.Watch expects, so a caller running
// mirror.Watch(ctx, mgr.ApplyRemote) in its own goroutine is all that's
// needed to make List/GET /list eventually consistent across replicas.
func (m *Manager) ApplyRemote(kind string, info netcore.ServerInfo, name string) {
	m.srv.Loop().InvokeAsync(func() {
		switch kind {
		case "register":
			m.remote[info.Name] = info
		case "deregister":
			delete(m.remote, name)
		}
	})
}

// Bind starts the registry listening on cfg.
func (m *Manager) Bind(cfg netcore.BindConfig) error {
	return m.srv.Bind(cfg)
}

// Stop tears down the registry's listener and every registered peer.
func (m *Manager) Stop() {
	m.srv.Stop()
}

// List returns a point-in-time snapshot of the fleet, read on the
// owning Event Loop so it can never observe a partial register or
// deregister. It unions in any sibling-replica registrations observed
// through ApplyRemote, with this replica's own byName taking priority
// on a name collision. Safe to call from any goroutine.
func (m *Manager) List() map[string]netcore.ServerInfo {
	var snapshot map[string]netcore.ServerInfo
	m.srv.Loop().Invoke(func() {
		snapshot = make(map[string]netcore.ServerInfo, len(m.byName)+len(m.remote))
		for k, v := range m.remote {
			snapshot[k] = v
		}
		for k, v := range m.byName {
			snapshot[k] = v
		}
	})
	return snapshot
}

func (m *Manager) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, m.List())
}

// onMessage implements the /servers registration protocol. It runs
// already serialized on the Server Endpoint's loop.
func (m *Manager) onMessage(conn netcore.Connection, frame netcore.WebsocketFrame) {
	if conn.Route != serversRoute {
		return
	}

	var msg registerMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		logger.NetworkManager().Warn().Err(err).Msg("dropping malformed registration frame")
		return
	}

	if msg.Action != "register" {
		logger.NetworkManager().Warn().Str("action", msg.Action).Msg("unknown registration action, ignoring")
		return
	}

	if _, exists := m.byName[msg.Server]; exists {
		reason := "server name already registered: " + msg.Server
		payload, _ := json.Marshal(regfailMessage{Subject: "regfail", Reason: reason})
		m.srv.Send(conn, payload)
		m.srv.Close(conn)
		logger.NetworkManager().Info().Str("server", msg.Server).Msg("rejected duplicate registration")
		return
	}

	info := netcore.ServerInfo{
		Name:     msg.Server,
		Host:     msg.Host,
		Port:     msg.Port,
		Services: msg.Services,
	}
	m.byName[msg.Server] = info
	m.byConn[conn.ID] = msg.Server

	if m.mirror != nil {
		m.mirror.OnRegister(info)
	}

	logger.NetworkManager().Info().Str("server", msg.Server).Str("host", msg.Host).Int("port", msg.Port).Msg("server registered")
}

// onConnectionClose is the sole deregistration mechanism: when a
// registered connection drops, its fleet entry and connection mapping
// are removed together.
func (m *Manager) onConnectionClose(conn netcore.Connection) {
	name, ok := m.byConn[conn.ID]
	if !ok {
		return
	}
	delete(m.byConn, conn.ID)
	delete(m.byName, name)

	if m.mirror != nil {
		m.mirror.OnDeregister(name)
	}

	logger.NetworkManager().Info().Str("server", name).Msg("server deregistered on connection close")
}
