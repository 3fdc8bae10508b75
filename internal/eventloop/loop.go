// Package eventloop implements the network fabric's single-threaded
// multiplexer: the component every endpoint (Server, Client, Network
// Manager, Hub) advances its connections through.
//
// The design note on thread affinity of send/broadcast recommends an
// explicit invokeOnLoop(fn) primitive over a lock-free queue; this is
// that primitive. Endpoints hold real goroutines for blocking I/O
// (gorilla/websocket's read/write pumps are blocking by nature and
// cannot be turned into a non-blocking poll() without buffering
// everything in memory), but every user callback dispatch funnels
// through Loop.Invoke or Loop.InvokeAsync so it runs serially on the
// loop's own goroutine — exactly the guarantee spec'd in §5:
// "Every endpoint callback ... runs serially on the owning Event
// Loop's thread."
package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dqm4hep/netfabric/internal/logger"
)

// Socket is periodic maintenance work the loop drives once per poll
// tick — heartbeat sweeps, stale-connection checks, deferred
// resubscription retries. It is distinct from the blocking I/O pumps
// endpoints run on their own goroutines.
type Socket interface {
	Poll()
}

// Manager is the multiplexer handle endpoints use to attach and detach
// periodic Sockets. It is owned exclusively by the Event Loop.
type Manager struct {
	mu      sync.Mutex
	sockets map[int64]Socket
	nextID  int64
}

func newManager() *Manager {
	return &Manager{sockets: make(map[int64]Socket)}
}

// Attach registers a socket for polling and returns a detach token.
func (m *Manager) Attach(s Socket) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.sockets[id] = s
	return id
}

// Detach removes a previously attached socket.
func (m *Manager) Detach(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sockets, id)
}

func (m *Manager) snapshot() []Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s)
	}
	return out
}

// Loop is the Event Loop. Exactly one poll may be in progress at a
// time; Start on an already-running loop is a no-op. Stop sets a stop
// flag and takes effect at the next poll boundary — it does not close
// individual connections, endpoints must do that themselves.
type Loop struct {
	manager *Manager
	jobs    chan func()
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
}

// New creates an Event Loop with an empty socket set and a buffered
// job queue for Invoke.
func New() *Loop {
	return &Loop{
		manager: newManager(),
		jobs:    make(chan func(), 256),
	}
}

// Manager returns the multiplexer handle used by endpoints to attach
// new connections.
func (l *Loop) Manager() *Manager {
	return l.manager
}

// Running reports whether the loop's poll cycle is currently active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Invoke submits fn to run serially on the loop's own goroutine and
// blocks until it has. Safe to call from any goroutine other than the
// loop's own: called from inside a job or a Poll running on the loop,
// it deadlocks.
func (l *Loop) Invoke(fn func()) {
	done := make(chan struct{})
	l.jobs <- func() {
		fn()
		close(done)
	}
	<-done
}

// InvokeAsync submits fn to run serially on the loop's own goroutine
// without waiting for it to complete. Endpoints use it to dispatch
// callbacks from their I/O goroutines without blocking on the loop.
func (l *Loop) InvokeAsync(fn func()) {
	select {
	case l.jobs <- fn:
	default:
		// Job queue saturated: hand fn to a goroutine that enqueues it
		// once there is room, rather than drop it. Such a job may run
		// after jobs submitted later.
		go func() { l.jobs <- fn }()
	}
}

// Start begins the poll cycle. If blocking is true it runs on the
// caller's goroutine until Stop is called; otherwise it spawns one
// worker goroutine and returns immediately.
func (l *Loop) Start(blocking bool, pollInterval time.Duration) {
	l.mu.Lock()
	if l.running.Load() {
		l.mu.Unlock()
		return
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.running.Store(true)
	l.mu.Unlock()

	if blocking {
		l.run(pollInterval)
		return
	}
	go l.run(pollInterval)
}

// Stop requests the poll cycle exit at the next boundary and waits for
// it to do so. Calling Stop on a non-running loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	doneCh := l.doneCh
	l.mu.Unlock()

	<-doneCh
}

func (l *Loop) run(pollInterval time.Duration) {
	log := logger.EventLoop()
	log.Info().Dur("interval", pollInterval).Msg("event loop started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer func() {
		l.running.Store(false)
		close(l.doneCh)
		log.Info().Msg("event loop stopped")
	}()

	for {
		select {
		case <-l.stopCh:
			return
		case job := <-l.jobs:
			runSafely(job)
		case <-ticker.C:
			l.pollOnce()
		}
	}
}

func (l *Loop) pollOnce() {
	for _, s := range l.manager.snapshot() {
		socket := s
		runSafely(socket.Poll)
	}
}

func runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.EventLoop().Error().Interface("panic", r).Msg("recovered from panic in event loop callback")
		}
	}()
	fn()
}
