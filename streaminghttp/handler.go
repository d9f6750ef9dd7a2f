// Package streaminghttp implements the client-facing HTTP surface of
// the bridge: ANY /{instanceId}/mcp. POST delivers one message and, for
// requests, blocks until the matching response is routed back; GET
// opens the session's server-push stream as Server-Sent Events; DELETE
// terminates the session.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/browserlink/mcp-bridge/internal/jsonrpc"
	"github.com/browserlink/mcp-bridge/internal/logctx"
	"github.com/browserlink/mcp-bridge/peers"
	"github.com/browserlink/mcp-bridge/router"
	"github.com/browserlink/mcp-bridge/sessions"
)

var _ http.Handler = (*Handler)(nil)

const sessionIDHeader = "Mcp-Session-Id"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a transport-level rejection before any JSON-RPC
// exchange is possible. Shape: {"error":{"code":<status>,"message":...}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler serves /{instanceId}/mcp. Unsupported methods on the endpoint
// fall out of the mux as 405.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *peers.Registry
	sessions *sessions.Manager
	router   *router.Router
}

// New wires the HTTP surface over the peer registry, session manager,
// and router.
func New(registry *peers.Registry, mgr *sessions.Manager, rt *router.Router, opts ...Option) *Handler {
	h := &Handler{
		log:      slog.New(slog.DiscardHandler),
		registry: registry,
		sessions: mgr,
		router:   rt,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{instance}/mcp", h.handleGet)
	mux.HandleFunc("POST /{instance}/mcp", h.handlePost)
	mux.HandleFunc("DELETE /{instance}/mcp", h.handleDelete)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

// resolveSession applies the session header contract shared by GET and
// POST: an existing id resumes its transport, anything else mints a new
// session bound to the instance in the path. The minted id is echoed so
// the caller can reuse it.
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, instance string) *sessions.Transport {
	t, _ := h.sessions.GetOrCreate(r.Header.Get(sessionIDHeader), instance)
	w.Header().Set(sessionIDHeader, t.ID())
	return t
}

// handlePost accepts one JSON-RPC message. Requests block until the
// matching response returns from the peer; notifications and client
// responses are forwarded and acknowledged immediately.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	instance := r.PathValue("instance")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "http.post.decode.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Parse(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "http.post.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   string(msg.Kind()),
	})

	// Fail fast before touching session state: an instance nobody ever
	// connected a peer for is simply not found.
	if !h.registry.Connected(instance) {
		writeJSONError(w, http.StatusNotFound, "no connection found for "+instance)
		h.log.InfoContext(ctx, "http.post.peer.miss", slog.String("instance", instance))
		return
	}

	t := h.resolveSession(w, r, instance)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: t.ID(), Instance: t.Instance()})

	if !msg.IsRequest() {
		if err := h.router.Forward(ctx, t, msg); err != nil {
			h.forwardError(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// Register the reply channel before forwarding so the response
	// cannot slip past between the upstream write and the wait below.
	reply, release := t.AwaitReply(msg.ID)
	defer release()

	if err := h.router.ForwardRequest(ctx, t, msg); err != nil {
		h.forwardError(ctx, w, err)
		return
	}

	select {
	case res := <-reply:
		body, err := json.Marshal(res)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			h.log.ErrorContext(ctx, "http.post.encode.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body); err != nil {
			h.log.WarnContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))

	case <-t.Done():
		writeJSONError(w, http.StatusGone, "session closed")
		h.log.InfoContext(ctx, "http.post.session.closed")

	case <-ctx.Done():
		// The caller hung up. The upstream request stays in flight; its
		// response, when it arrives, finds no waiter and is dropped.
		h.log.InfoContext(ctx, "http.post.client.gone")
	}
}

func (h *Handler) forwardError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, peers.ErrNotConnected) {
		writeJSONError(w, http.StatusNotFound, "no connection found for instance")
		h.log.InfoContext(ctx, "http.post.peer.miss")
		return
	}
	writeJSONError(w, http.StatusBadGateway, "failed to forward message to peer")
	h.log.WarnContext(ctx, "http.post.forward.fail", slog.String("err", err.Error()))
}

// handleGet opens the session's server-push stream. Responses routed to
// a vanished waiter and all broadcasts arrive here as SSE events. When
// the client drops the connection the session is torn down.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instance := r.PathValue("instance")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "http.get.flusher.missing")
		return
	}

	t := h.resolveSession(w, r, instance)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: t.ID(), Instance: t.Instance()})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	defer h.log.InfoContext(ctx, "sse.stream.end")

	for {
		select {
		case msg := <-t.Stream():
			if err := writeSSEEvent(w, f, msg); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				h.sessions.Close(t.ID())
				return
			}
		case <-t.Done():
			return
		case <-ctx.Done():
			// The session dies with its stream: a client that vanished
			// mid-stream has no way back into the same session.
			h.sessions.Close(t.ID())
			return
		}
	}
}

// handleDelete terminates a session. Unknown ids are a no-op; the
// response is the same either way.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID := r.Header.Get(sessionIDHeader)
	if closed := h.sessions.Close(sessID); closed {
		h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
	} else {
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `{"success":true}`)
}

// writeSSEEvent writes one message as an SSE data frame and flushes it.
func writeSSEEvent(w http.ResponseWriter, f http.Flusher, msg *jsonrpc.AnyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	f.Flush()
	return nil
}
