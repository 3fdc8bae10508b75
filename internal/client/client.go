// Package client implements the Client Endpoint: one outbound
// websocket maintained against a server, with lifecycle callbacks
// dispatched serially on an owned Event Loop.
//
// The read/write pump split and ping/pong keepalive are grounded on
// the teacher's agent connection (agents/k8s-agent/connection.go);
// the exponential-backoff Reconnect loop there is generalized into
// this endpoint's optional auto-reconnect, triggered from the close
// callback rather than a fixed agent-registration flow.
package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/dqm4hep/netfabric/internal/errors"
	"github.com/dqm4hep/netfabric/internal/eventloop"
	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// MessageFunc handles one inbound frame. The payload is only valid for
// the duration of the call.
type MessageFunc func(netcore.WebsocketFrame)

// LifecycleFunc handles connect or close events.
type LifecycleFunc func()

type outboundFrame struct {
	msgType int
	payload []byte
}

// Client is the Client Endpoint.
type Client struct {
	loop     *eventloop.Loop
	ownsLoop bool

	mu        sync.Mutex
	config    netcore.ConnectConfig
	hasConfig bool
	connected bool
	conn      *websocket.Conn
	send      chan outboundFrame

	onMessage MessageFunc
	onConnect LifecycleFunc
	onClose   LifecycleFunc
}

// New creates a disconnected, unconfigured Client Endpoint. If loop is
// nil, the client creates and owns a private one.
func New(loop *eventloop.Loop) *Client {
	ownsLoop := loop == nil
	if ownsLoop {
		loop = eventloop.New()
		loop.Start(false, 20*time.Millisecond)
	}
	return &Client{loop: loop, ownsLoop: ownsLoop}
}

// OnMessage registers the inbound-frame callback. Last assignment wins.
func (c *Client) OnMessage(f MessageFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnConnect registers the connect callback. Last assignment wins.
func (c *Client) OnConnect(f LifecycleFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = f
}

// OnClose registers the close callback. Last assignment wins.
func (c *Client) OnClose(f LifecycleFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// SetConnectConfig records the target to dial. Allowed only while
// disconnected.
func (c *Client) SetConnectConfig(cfg netcore.ConnectConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return apperrors.AlreadyPresent("client endpoint is already connected")
	}
	if !cfg.Valid() {
		return apperrors.InvalidParameter("connect config must have port > 0 and a route starting with /")
	}
	c.config = cfg
	c.hasConfig = true
	return nil
}

// Connect initiates the handshake against the previously configured
// target. The client is marked connected immediately; onConnect fires
// asynchronously once the handshake completes.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return apperrors.AlreadyPresent("client endpoint is already connected")
	}
	if !c.hasConfig {
		c.mu.Unlock()
		return apperrors.NotInitialized("client endpoint has no connect config")
	}
	cfg := c.config
	c.connected = true
	c.mu.Unlock()

	c.dial(cfg)
	return nil
}

// ConnectWith is the configure-and-connect shortcut.
func (c *Client) ConnectWith(cfg netcore.ConnectConfig) error {
	if err := c.SetConnectConfig(cfg); err != nil {
		return err
	}
	return c.Connect()
}

func (c *Client) dial(cfg netcore.ConnectConfig) {
	url := netcore.BuildURI(netcore.URIParts{
		Protocol: "ws",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Route:    cfg.Route,
	})

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		logger.Client().Warn().Str("url", url).Err(err).Msg("dial failed")
		c.fireClose()
		return
	}

	sendCh := make(chan outboundFrame, sendBufferSize)
	c.mu.Lock()
	c.conn = conn
	c.send = sendCh
	c.mu.Unlock()

	go c.writePump(conn, sendCh)
	go c.readPump(conn, sendCh)

	c.loop.InvokeAsync(func() {
		c.mu.Lock()
		cb := c.onConnect
		c.mu.Unlock()
		if cb != nil {
			runCallback(cb)
		}
	})
}

func (c *Client) writePump(conn *websocket.Conn, send chan outboundFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(frame.msgType, frame.payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, send chan outboundFrame) {
	defer c.teardown(conn, send)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Client().Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		opcode := netcore.OpcodeBinary
		if msgType == websocket.TextMessage {
			opcode = netcore.OpcodeText
		}
		frame := netcore.WebsocketFrame{Opcode: opcode, Payload: data}

		c.loop.InvokeAsync(func() {
			c.mu.Lock()
			cb := c.onMessage
			c.mu.Unlock()
			if cb != nil {
				runCallback(func() { cb(frame) })
			}
		})
	}
}

func (c *Client) teardown(conn *websocket.Conn, send chan outboundFrame) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.send = nil
	c.mu.Unlock()

	close(send)
	c.fireClose()
}

func (c *Client) fireClose() {
	c.loop.InvokeAsync(func() {
		c.mu.Lock()
		cb := c.onClose
		c.mu.Unlock()
		if cb != nil {
			runCallback(cb)
		}
	})
}

// SendText enqueues a text frame. No-op if not connected.
func (c *Client) SendText(data []byte) {
	c.enqueue(websocket.TextMessage, data)
}

// SendBinary enqueues a binary frame. No-op if not connected.
func (c *Client) SendBinary(data []byte) {
	c.enqueue(websocket.BinaryMessage, data)
}

func (c *Client) enqueue(msgType int, data []byte) {
	c.mu.Lock()
	send := c.send
	connected := c.connected
	c.mu.Unlock()
	if !connected || send == nil {
		return
	}
	select {
	case send <- outboundFrame{msgType: msgType, payload: data}:
	default:
		logger.Client().Warn().Msg("client send buffer full, dropping frame")
	}
}

// Connected reports whether the client currently holds a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the current connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Client().Error().Interface("panic", r).Msg("recovered from panic in client callback")
		}
	}()
	fn()
}
