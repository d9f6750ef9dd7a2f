// Package sessions tracks the client-side logical sessions multiplexed
// over one bridge. Each session owns a Transport: a delivery channel
// that completes waiting request/response calls and feeds the session's
// server-push stream. The manager is the only component that mutates
// the session registry.
package sessions

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/browserlink/mcp-bridge/internal/jsonrpc"
)

// streamBuffer bounds the per-session push stream. A session whose
// client stopped reading its stream sheds notifications rather than
// stalling routing for everyone else.
const streamBuffer = 64

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager owns the sessionID -> Transport registry.
type Manager struct {
	log *slog.Logger

	mu         sync.Mutex
	transports map[string]*Transport
}

// NewManager constructs an empty session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:        slog.New(slog.DiscardHandler),
		transports: make(map[string]*Transport),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate resolves an existing transport by session id, or creates
// a new one bound to the given instance with a freshly minted id. The
// second return reports whether a new session was created. Concurrent
// first-contact requests each create their own session; the read-then-
// create pair is deliberately not atomic across callers that present no
// session id.
func (m *Manager) GetOrCreate(sessionID, instance string) (*Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if t, ok := m.transports[sessionID]; ok {
			return t, false
		}
	}

	t := &Transport{
		id:       uuid.NewString(),
		instance: instance,
		log:      m.log,
		waiters:  make(map[string]chan *jsonrpc.AnyMessage),
		stream:   make(chan *jsonrpc.AnyMessage, streamBuffer),
		done:     make(chan struct{}),
	}
	m.transports[t.id] = t
	return t, true
}

// Get returns the transport registered under a session id.
func (m *Manager) Get(sessionID string) (*Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transports[sessionID]
	return t, ok
}

// Close tears down a session: the transport's channels are closed and
// the registry entry removed. Closing an unknown session id is a no-op;
// the operation is idempotent.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	t, ok := m.transports[sessionID]
	if ok {
		delete(m.transports, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	t.close()
	return true
}

// CloseAll tears down every session. Used on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Transport, 0, len(m.transports))
	for _, t := range m.transports {
		all = append(all, t)
	}
	m.transports = make(map[string]*Transport)
	m.mu.Unlock()

	for _, t := range all {
		t.close()
	}
}

// Broadcast delivers the message to every live transport bound to the
// given instance. Sessions scoped to other instances never observe it.
func (m *Manager) Broadcast(instance string, msg *jsonrpc.AnyMessage) {
	m.mu.Lock()
	targets := make([]*Transport, 0, len(m.transports))
	for _, t := range m.transports {
		if t.instance == instance {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.Deliver(msg)
	}
}

// Transport is the delivery channel for one session. It supports two
// paths: a waiting request/response call (one reply channel per
// in-flight request) and the session's server-push stream.
type Transport struct {
	id       string
	instance string
	log      *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *jsonrpc.AnyMessage

	stream chan *jsonrpc.AnyMessage

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the server-minted session id.
func (t *Transport) ID() string { return t.id }

// Instance returns the instance the transport was created under. A
// transport belongs to exactly one instance's routing scope for its
// whole life.
func (t *Transport) Instance() string { return t.instance }

// AwaitReply registers interest in the response to a request the
// session is about to send. The returned channel receives exactly one
// message; the release function abandons the wait (the reply, if it
// still arrives, falls through to the push stream).
func (t *Transport) AwaitReply(id *jsonrpc.RequestID) (<-chan *jsonrpc.AnyMessage, func()) {
	key := id.String()
	ch := make(chan *jsonrpc.AnyMessage, 1)

	t.mu.Lock()
	t.waiters[key] = ch
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if cur, ok := t.waiters[key]; ok && cur == ch {
			delete(t.waiters, key)
		}
		t.mu.Unlock()
	}
	return ch, release
}

// Deliver hands a routed message to the session. A response whose id
// matches a waiting call completes that call; everything else goes to
// the push stream. When the stream buffer is full the message is
// dropped with a log line rather than blocking the router.
func (t *Transport) Deliver(msg *jsonrpc.AnyMessage) {
	if msg.IsResponse() {
		t.mu.Lock()
		ch, ok := t.waiters[msg.ID.String()]
		if ok {
			delete(t.waiters, msg.ID.String())
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	select {
	case <-t.done:
	case t.stream <- msg:
	default:
		t.log.Warn("session.stream.full",
			slog.String("session_id", t.id),
			slog.String("method", msg.Method))
	}
}

// Stream exposes the server-push channel consumed by the session's GET
// stream.
func (t *Transport) Stream() <-chan *jsonrpc.AnyMessage { return t.stream }

// Done is closed when the transport is torn down.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}
