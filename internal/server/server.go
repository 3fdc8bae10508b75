// Package server implements the Server Endpoint: one HTTP+websocket
// listener that delivers lifecycle and message events to user
// callbacks, serialized on an owned Event Loop.
//
// It generalizes the teacher's Hub/Client register-unregister-broadcast
// pattern (gorilla/websocket read/write pumps feeding a channel-driven
// dispatcher) from a fixed session-notification protocol into the
// spec's generic callback surface, and adopts the design note's
// invokeOnLoop primitive instead of the teacher's raw channels so every
// callback — HTTP and websocket alike — runs serially on one
// goroutine, matching the single-threaded cooperative model.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPRequestFunc handles one dispatched HTTP request and returns the
// response to write back.
type HTTPRequestFunc func(netcore.HTTPMessage) netcore.HTTPResponse

// ConnectionFunc handles a peer reaching OPEN or CLOSED.
type ConnectionFunc func(netcore.Connection)

// MessageFunc handles one inbound websocket frame. The frame's payload
// is only valid for the duration of the call.
type MessageFunc func(netcore.Connection, netcore.WebsocketFrame)

// peer is one websocket connection's server-side bookkeeping.
type peer struct {
	id    netcore.ConnID
	route string
	conn  *websocket.Conn
	send  chan []byte

	mu    sync.Mutex
	state netcore.ConnState
}

func (p *peer) setState(s netcore.ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *peer) getState() netcore.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transitionOpen moves the peer from HANDSHAKE_PENDING to OPEN unless
// teardown has already raced ahead and closed it, returning whether the
// transition happened. Check-and-set under one lock so it can never
// interleave with transitionClosed.
func (p *peer) transitionOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == netcore.ConnClosed {
		return false
	}
	p.state = netcore.ConnOpen
	return true
}

// transitionClosed moves the peer to CLOSED and reports whether it was
// OPEN beforehand, i.e. whether an onConnectionClose callback is owed.
func (p *peer) transitionClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasOpen := p.state == netcore.ConnOpen
	p.state = netcore.ConnClosed
	return wasOpen
}

// Server is the Server Endpoint. The gin router is created eagerly so
// owners (Network Manager, the gateway hub) can register additional
// routes before Bind starts listening.
type Server struct {
	loop     *eventloop.Loop
	ownsLoop bool
	engine   *gin.Engine

	mu              sync.Mutex
	bound           bool
	config          netcore.BindConfig
	httpServer      *http.Server
	shutdownTimeout time.Duration

	onHTTPRequest     HTTPRequestFunc
	onNewConnection   ConnectionFunc
	onConnectionClose ConnectionFunc
	onMessage         MessageFunc

	peersMu sync.RWMutex
	peers   map[netcore.ConnID]*peer
}

// New creates an unbound Server Endpoint driven by loop. If loop is
// nil, the server creates and owns a private one, starting it on Bind
// and stopping it on Stop.
func New(loop *eventloop.Loop) *Server {
	ownsLoop := loop == nil
	if ownsLoop {
		loop = eventloop.New()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(apperrors.Recovery())

	s := &Server{
		loop:            loop,
		ownsLoop:        ownsLoop,
		engine:          engine,
		peers:           make(map[netcore.ConnID]*peer),
		shutdownTimeout: 5 * time.Second,
	}
	engine.NoRoute(s.dispatchHTTP)
	return s
}

// SetShutdownTimeout overrides how long Stop waits for the HTTP
// listener to drain in-flight requests before returning.
func (s *Server) SetShutdownTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownTimeout = d
}

// Engine exposes the underlying router so owners can register
// additional routes (e.g. a websocket route) before Bind.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Loop returns the Event Loop this server dispatches callbacks on.
func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}

// OnHTTPRequest registers the HTTP callback. Last assignment wins.
func (s *Server) OnHTTPRequest(f HTTPRequestFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHTTPRequest = f
}

// OnNewConnection registers the connection-open callback. Last assignment wins.
func (s *Server) OnNewConnection(f ConnectionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNewConnection = f
}

// OnConnectionClose registers the connection-close callback. Last assignment wins.
func (s *Server) OnConnectionClose(f ConnectionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectionClose = f
}

// OnMessage registers the inbound-frame callback. Last assignment wins.
func (s *Server) OnMessage(f MessageFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = f
}

// Bind binds and begins listening per cfg.
func (s *Server) Bind(cfg netcore.BindConfig) error {
	if cfg.Port <= 0 {
		return apperrors.InvalidParameter("port must be > 0")
	}

	s.mu.Lock()
	if s.bound {
		s.mu.Unlock()
		return apperrors.AlreadyInitialized("server endpoint is already bound")
	}
	s.config = cfg
	s.bound = true
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.engine,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	if s.ownsLoop {
		s.loop.Start(false, 20*time.Millisecond)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Server().Info().Int("port", cfg.Port).Msg("server endpoint listening")
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			logger.Server().Error().Err(err).Msg("listener terminated")
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.bound = false
		s.mu.Unlock()
		return apperrors.TransportFailure(err)
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

// dispatchHTTP implements the 501/403/user-handler HTTP dispatch contract.
func (s *Server) dispatchHTTP(c *gin.Context) {
	s.mu.Lock()
	enableHTTP := s.config.EnableHTTP
	handler := s.onHTTPRequest
	s.mu.Unlock()

	if !enableHTTP {
		c.Data(http.StatusForbidden, "text/plain", []byte("Http requests have been disabled for this server!"))
		return
	}
	if handler == nil {
		c.Data(http.StatusNotImplemented, "text/plain", []byte("No HTTP handler registered for this server!"))
		return
	}

	body, _ := c.GetRawData()
	query := make(map[string]string, len(c.Request.URL.Query()))
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	msg := netcore.HTTPMessage{
		Method:   c.Request.Method,
		Route:    c.Request.URL.Path,
		Protocol: c.Request.Proto,
		Body:     body,
		Query:    query,
	}

	var resp netcore.HTTPResponse
	s.loop.Invoke(func() { runCallback(func() { resp = handler(msg) }) })

	if resp.ContentType == "" {
		resp.ContentType = "application/octet-stream"
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// ServeWebsocket upgrades the request and registers the peer. Owners
// register this as the gin handler for every route that should accept
// websocket traffic (the Network Manager's /servers, the gateway's
// /service, or any plain publish route).
func (s *Server) ServeWebsocket(c *gin.Context) {
	s.mu.Lock()
	enabled := s.config.EnableWebsockets
	s.mu.Unlock()
	if !enabled {
		c.Data(http.StatusForbidden, "text/plain", []byte("Websocket connections have been disabled for this server!"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Server().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		id:    netcore.NewConnID(),
		route: c.Request.URL.Path,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		state: netcore.ConnInit,
	}

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	p.setState(netcore.ConnHandshakePending)

	go s.writePump(p)
	go s.readPump(p)

	s.loop.InvokeAsync(func() {
		// teardown runs off the loop, directly from the read pump, so it
		// can race ahead of this job and already have moved the peer to
		// CLOSED. Never reopen a peer that is already gone, or
		// onNewConnection fires with no matching onConnectionClose.
		if !p.transitionOpen() {
			return
		}
		s.mu.Lock()
		cb := s.onNewConnection
		s.mu.Unlock()
		if cb != nil {
			runCallback(func() { cb(netcore.Connection{ID: p.id, Route: p.route}) })
		}
	})
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(p *peer) {
	defer s.teardown(p)

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Server().Debug().Err(err).Str("conn", string(p.id)).Msg("websocket closed unexpectedly")
			}
			return
		}

		if p.getState() != netcore.ConnOpen {
			continue
		}

		opcode := netcore.OpcodeBinary
		if msgType == websocket.TextMessage {
			opcode = netcore.OpcodeText
		}
		frame := netcore.WebsocketFrame{Opcode: opcode, Payload: data}

		s.loop.InvokeAsync(func() {
			s.mu.Lock()
			cb := s.onMessage
			s.mu.Unlock()
			if cb != nil {
				runCallback(func() { cb(netcore.Connection{ID: p.id, Route: p.route}, frame) })
			}
		})
	}
}

// teardown runs once per peer when its read pump exits, firing
// onConnectionClose exactly once provided the peer had reached OPEN.
func (s *Server) teardown(p *peer) {
	s.peersMu.Lock()
	_, present := s.peers[p.id]
	delete(s.peers, p.id)
	s.peersMu.Unlock()
	if !present {
		return
	}

	wasOpen := p.transitionClosed()
	close(p.send)

	if !wasOpen {
		return
	}

	s.loop.InvokeAsync(func() {
		s.mu.Lock()
		cb := s.onConnectionClose
		s.mu.Unlock()
		if cb != nil {
			runCallback(func() { cb(netcore.Connection{ID: p.id, Route: p.route}) })
		}
	})
}

// Close closes one websocket peer.
func (s *Server) Close(conn netcore.Connection) {
	s.peersMu.RLock()
	p, ok := s.peers[conn.ID]
	s.peersMu.RUnlock()
	if !ok {
		return
	}
	p.conn.Close()
}

// Send enqueues a frame to one peer. Silently dropped if the
// connection is unknown or closed.
func (s *Server) Send(conn netcore.Connection, data []byte) {
	s.peersMu.RLock()
	p, ok := s.peers[conn.ID]
	s.peersMu.RUnlock()
	if !ok || p.getState() != netcore.ConnOpen {
		return
	}
	select {
	case p.send <- data:
	default:
		logger.Server().Warn().Str("conn", string(conn.ID)).Msg("peer send buffer full, closing")
		p.conn.Close()
	}
}

// Broadcast enqueues a frame to every current open peer.
func (s *Server) Broadcast(data []byte) {
	for _, p := range s.snapshotPeers() {
		if p.getState() != netcore.ConnOpen {
			continue
		}
		select {
		case p.send <- data:
		default:
			p.conn.Close()
		}
	}
}

// BroadcastRoute enqueues a frame to every open peer whose route equals route.
func (s *Server) BroadcastRoute(route string, data []byte) {
	for _, p := range s.snapshotPeers() {
		if p.route != route || p.getState() != netcore.ConnOpen {
			continue
		}
		select {
		case p.send <- data:
		default:
			p.conn.Close()
		}
	}
}

func (s *Server) snapshotPeers() []*peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Stop closes all peers and the listening socket. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return
	}
	s.bound = false
	httpServer := s.httpServer
	ownsLoop := s.ownsLoop
	timeout := s.shutdownTimeout
	s.mu.Unlock()

	for _, p := range s.snapshotPeers() {
		p.conn.Close()
	}

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Server().Warn().Err(err).Msg("error during listener shutdown")
		}
	}

	if ownsLoop {
		s.loop.Stop()
	}
}

func runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Server().Error().Interface("panic", r).Msg("recovered from panic in server callback")
		}
	}()
	fn()
}
