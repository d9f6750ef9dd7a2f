// Package peers accepts and tracks the persistent WebSocket connection
// each upstream peer holds open to the bridge. At most one live
// connection exists per instance identifier; a reconnect replaces the
// stored entry without closing the superseded socket, and a disconnect
// only removes the entry when it still refers to the same connection
// object.
package peers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browserlink/mcp-bridge/internal/jsonrpc"
	"github.com/browserlink/mcp-bridge/internal/logctx"
)

// DefaultInstance is the identifier assigned to a peer that connects
// without a path segment.
const DefaultInstance = "default"

// ErrNotConnected reports a forward attempted for an instance with no
// live peer connection.
var ErrNotConnected = errors.New("no peer connection for instance")

// Keep-alive timings for the long-lived peer socket. These are control
// frame settings; the application-level "ping" notification is handled
// by the router, not here.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Sink receives every successfully parsed inbound frame, tagged with
// the instance the connection belongs to.
type Sink interface {
	HandleFromPeer(ctx context.Context, instance string, msg *jsonrpc.AnyMessage)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry owns the instance -> connection map. It implements
// http.Handler on the peer-facing listener: every inbound HTTP request
// is upgraded to a WebSocket and registered under the instance id
// derived from the request path.
type Registry struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn

	sink Sink
}

// NewRegistry constructs an empty registry. SetSink must be called
// before the registry accepts connections.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:   slog.New(slog.DiscardHandler),
		conns: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			// Peers are local browser extensions; the bridge performs no
			// origin policing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSink wires the inbound message consumer. Set once at startup,
// before the peer listener starts accepting.
func (r *Registry) SetSink(sink Sink) { r.sink = sink }

// InstanceFromPath derives the instance identifier from a connection
// path: the final non-empty segment, or DefaultInstance.
func InstanceFromPath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	last := segs[len(segs)-1]
	if last == "" {
		return DefaultInstance
	}
	return last
}

// Conn is one live peer socket. Writes are serialized through a mutex;
// gorilla connections allow at most one concurrent writer.
type Conn struct {
	instance string
	ws       *websocket.Conn

	writeMu sync.Mutex
}

// Instance returns the identifier the connection registered under.
func (c *Conn) Instance() string { return c.instance }

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeControl(messageType int, data []byte) error {
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// ServeHTTP upgrades the peer's HTTP request and runs its read loop
// until the socket closes.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	instance := InstanceFromPath(req.URL.Path)
	ctx := logctx.WithPeerData(req.Context(), &logctx.PeerData{
		Instance:   instance,
		RemoteAddr: req.RemoteAddr,
	})

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WarnContext(ctx, "peer.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	conn := &Conn{instance: instance, ws: ws}
	r.register(conn)
	r.log.InfoContext(ctx, "peer.connect")

	r.readLoop(conn)

	r.unregister(conn)
	_ = ws.Close()
	r.log.InfoContext(ctx, "peer.disconnect")
}

// register stores the connection, displacing any prior entry for the
// same instance. The superseded connection object is left alone: its
// read loop will fail on its own and its unregister will be ignored by
// the pointer guard.
func (r *Registry) register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.conns[c.instance]; ok && prior != c {
		r.log.Info("peer.replace", slog.String("instance", c.instance))
	}
	r.conns[c.instance] = c
}

// unregister removes the registry entry only when it still refers to
// this exact connection. A stale disconnect racing a newer reconnect
// must not evict the replacement.
func (r *Registry) unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[c.instance]; ok && current == c {
		delete(r.conns, c.instance)
	}
}

// lookup returns the live connection for an instance, if any.
func (r *Registry) lookup(instance string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[instance]
	return c, ok
}

// Connected reports whether an instance currently has a live peer.
func (r *Registry) Connected(instance string) bool {
	_, ok := r.lookup(instance)
	return ok
}

// Forward serializes the message onto the instance's live connection.
// Delivery is fire-and-forget, at most once: a missing connection
// returns ErrNotConnected and a write failure drops the message.
func (r *Registry) Forward(ctx context.Context, instance string, msg *jsonrpc.AnyMessage) error {
	conn, ok := r.lookup(instance)
	if !ok {
		return ErrNotConnected
	}
	if err := conn.writeJSON(msg); err != nil {
		r.log.WarnContext(ctx, "peer.forward.fail",
			slog.String("instance", instance),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

// readLoop consumes frames until the socket errors out. Malformed
// frames are logged and discarded without disturbing the connection.
func (r *Registry) readLoop(c *Conn) {
	ctx := logctx.WithPeerData(context.Background(), &logctx.PeerData{
		Instance:   c.instance,
		RemoteAddr: c.ws.RemoteAddr().String(),
	})

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go r.pingLoop(c, done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.WarnContext(ctx, "peer.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		msg, err := jsonrpc.Parse(data)
		if err != nil {
			r.log.WarnContext(ctx, "peer.frame.malformed", slog.String("err", err.Error()))
			continue
		}

		msgCtx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msg.Method,
			ID:     msg.ID.String(),
			Kind:   string(msg.Kind()),
		})
		r.sink.HandleFromPeer(msgCtx, c.instance, msg)
	}
}

// pingLoop sends WebSocket control pings so idle extension sockets
// survive NAT and proxy idle timeouts.
func (r *Registry) pingLoop(c *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseAll sends a normal-closure frame to every live peer and drops
// the registry. Used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"))
		_ = c.ws.Close()
	}
}
