// Package router is the correlation core of the bridge. One upstream
// peer serves many mutually unaware client sessions, and two sessions
// may legally pick the same request id; the router substitutes a
// bridge-minted proxy id on the way up and restores the original on the
// way back down, so the shared response path can never collide.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/browserlink/mcp-bridge/internal/jsonrpc"
	"github.com/browserlink/mcp-bridge/sessions"
)

// MethodPing is the peer's internal keepalive notification. It is
// consumed by the bridge and never broadcast to client sessions.
const MethodPing = "ping"

// PeerForwarder sends a message to the live peer connection of an
// instance. *peers.Registry implements it.
type PeerForwarder interface {
	Forward(ctx context.Context, instance string, msg *jsonrpc.AnyMessage) error
}

// SessionDirectory resolves and fans out to client session transports.
// *sessions.Manager implements it.
type SessionDirectory interface {
	Get(sessionID string) (*sessions.Transport, bool)
	Broadcast(instance string, msg *jsonrpc.AnyMessage)
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// pending records one outstanding upstream request: which session asked
// and under which id. Entries are read once and deleted.
type pending struct {
	sessionID  string
	originalID *jsonrpc.RequestID
}

// Router owns the pending-request table. No other component touches it.
type Router struct {
	log      *slog.Logger
	registry PeerForwarder
	mgr      SessionDirectory

	mu      sync.Mutex
	pending map[string]pending
}

// New constructs a router over the given peer registry and session
// manager.
func New(registry PeerForwarder, mgr SessionDirectory, opts ...Option) *Router {
	r := &Router{
		log:      slog.New(slog.DiscardHandler),
		registry: registry,
		mgr:      mgr,
		pending:  make(map[string]pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForwardRequest rewrites the request id to a freshly minted proxy id,
// records the pending entry, and forwards the rewritten message to the
// session's instance. On forward failure the entry is removed again so
// the table only ever holds requests that actually went upstream.
func (r *Router) ForwardRequest(ctx context.Context, t *sessions.Transport, msg *jsonrpc.AnyMessage) error {
	proxyID := uuid.NewString()

	r.mu.Lock()
	r.pending[proxyID] = pending{sessionID: t.ID(), originalID: msg.ID}
	r.mu.Unlock()

	rewritten := msg.WithID(jsonrpc.NewStringID(proxyID))
	if err := r.registry.Forward(ctx, t.Instance(), rewritten); err != nil {
		r.mu.Lock()
		delete(r.pending, proxyID)
		r.mu.Unlock()
		return err
	}

	r.log.DebugContext(ctx, "route.request.forward",
		slog.String("proxy_id", proxyID),
		slog.String("original_id", msg.ID.String()))
	return nil
}

// Forward sends a message upstream unmodified. Notifications carry no
// id and need no correlation; client-originated responses answer a
// request the peer itself issued and must keep the peer's id.
func (r *Router) Forward(ctx context.Context, t *sessions.Transport, msg *jsonrpc.AnyMessage) error {
	return r.registry.Forward(ctx, t.Instance(), msg)
}

// HandleFromPeer routes one inbound peer message. It implements
// peers.Sink.
func (r *Router) HandleFromPeer(ctx context.Context, instance string, msg *jsonrpc.AnyMessage) {
	if msg.ID.IsNil() {
		// Notification. The keepalive marker is consumed here; anything
		// else fans out to every session on this instance.
		if msg.Method == MethodPing {
			return
		}
		r.mgr.Broadcast(instance, msg)
		return
	}

	proxyID := msg.ID.String()
	r.mu.Lock()
	entry, ok := r.pending[proxyID]
	if ok {
		delete(r.pending, proxyID)
	}
	r.mu.Unlock()

	if !ok {
		if msg.Method != "" {
			// A spontaneous request from the peer, not an answer to
			// anything we forwarded. Clients cannot answer it
			// individually, so it fans out the same way unsolicited
			// notifications do.
			r.log.InfoContext(ctx, "route.peer_request.broadcast")
			r.mgr.Broadcast(instance, msg)
			return
		}
		r.log.WarnContext(ctx, "route.response.orphan", slog.String("proxy_id", proxyID))
		return
	}

	t, ok := r.mgr.Get(entry.sessionID)
	if !ok {
		// The client vanished while its request was in flight. The
		// response is undeliverable; drop it without noise.
		r.log.DebugContext(ctx, "route.response.session_gone",
			slog.String("session_id", entry.sessionID))
		return
	}

	t.Deliver(msg.WithID(entry.originalID))
}

// PendingCount reports how many upstream requests are outstanding.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
