// Package netcore holds the data model shared by every fabric
// component: Connection handles, service metadata, bind/connect
// configuration and the HTTP/websocket message envelopes. None of
// these types own a socket; they are plain values exchanged between
// the Event Loop and the endpoints built on top of it.
package netcore

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ServiceType is a tagged variant attached to each service name a
// server registers. Only PUB_SUB is exercised by the core: the one
// registration this module sends (cmd/testserver) lists its service as
// PUB_SUB. REQUEST and PUSH are preserved for wire compatibility;
// nothing in this module produces them.
type ServiceType int

const (
	ServiceUnknown ServiceType = iota
	ServiceRequest
	ServicePubSub
	ServicePush
)

func (t ServiceType) String() string {
	switch t {
	case ServiceRequest:
		return "REQUEST"
	case ServicePubSub:
		return "PUB_SUB"
	case ServicePush:
		return "PUSH"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes a ServiceType as its underlying integer, matching
// the wire format used by the registration message and /list response.
func (t ServiceType) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int(t))), nil
}

// UnmarshalJSON decodes a ServiceType from its wire integer.
func (t *ServiceType) UnmarshalJSON(data []byte) error {
	var n int
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
		return err
	}
	*t = ServiceType(n)
	return nil
}

// ServiceInfo maps a service name (must begin with "/") to its type.
type ServiceInfo map[string]ServiceType

// Valid reports whether every service name in the map begins with "/".
func (s ServiceInfo) Valid() bool {
	for name := range s {
		if !strings.HasPrefix(name, "/") {
			return false
		}
	}
	return true
}

// ServerInfo is the fleet record for one registered server process.
type ServerInfo struct {
	Name     string      `json:"server"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	Services ServiceInfo `json:"services"`
}

// BindConfig parameterizes Server Endpoint.Bind.
type BindConfig struct {
	Port             int
	EnableWebsockets bool
	EnableHTTP       bool
}

// ConnectConfig parameterizes Client Endpoint.Connect.
type ConnectConfig struct {
	Host  string
	Port  int
	Route string
}

// Valid reports whether c satisfies the invariants spec'd for
// ConnectConfig: a positive port and a route beginning with "/".
func (c ConnectConfig) Valid() bool {
	return c.Port > 0 && strings.HasPrefix(c.Route, "/")
}

// Opcode distinguishes a websocket frame's payload interpretation.
type Opcode int

const (
	OpcodeText Opcode = iota
	OpcodeBinary
)

// WebsocketFrame is one inbound or outbound websocket message.
type WebsocketFrame struct {
	Opcode  Opcode
	Payload []byte
}

// HTTPMessage is a populated inbound HTTP request, handed to the
// onHttpRequest callback. Per the fabric's Design Notes, Route is
// authoritative; URI is a derived accessor kept only for callers that
// expect the historical field name.
type HTTPMessage struct {
	Method   string
	Route    string
	Protocol string
	Body     []byte
	Query    map[string]string
}

// URI is a derived accessor; Route is the authoritative field.
func (m HTTPMessage) URI() string { return m.Route }

// HTTPResponse is populated by the onHttpRequest callback and written
// back to the peer by the Server Endpoint.
type HTTPResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ConnState is the per-peer lifecycle state machine described in the
// Server Endpoint design: INIT -> HANDSHAKE_PENDING -> OPEN -> CLOSED.
type ConnState int

const (
	ConnInit ConnState = iota
	ConnHandshakePending
	ConnOpen
	ConnClosed
)

// ConnID uniquely identifies one Connection handle. A Connection is a
// weak reference into the Event Loop's live socket set: dereferencing
// it outside a callback delivered by the loop is a bug the type system
// cannot prevent, so callers must only use an ID within the scope of
// the callback that supplied it.
type ConnID string

// NewConnID mints a new random (UUIDv4) Connection identity. IDs order
// stably as strings; that order is unrelated to creation time.
func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

// Connection is the opaque handle identifying one live peer socket
// plus the route it was opened on. It is valid only between its open
// callback and its close callback; holding one across a close callback
// and dereferencing it afterward is undefined by design (§5).
type Connection struct {
	ID    ConnID
	Route string
}

// Less gives Connections a stable total order so they can be used as
// map keys in ordered contexts (e.g. deterministic test iteration).
func (c Connection) Less(other Connection) bool {
	return c.ID < other.ID
}
