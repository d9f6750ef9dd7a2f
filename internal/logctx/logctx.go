// Package logctx enriches slog records with request-scoped bridge
// attributes carried on the context. Handlers wrap an inner
// slog.Handler; call sites never pass these attributes explicitly.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("instance", sd.Instance),
		))
	}

	if pd, ok := ctx.Value(peerDataKey{}).(*PeerData); ok {
		r.AddAttrs(slog.Group("peer",
			slog.String("instance", pd.Instance),
			slog.String("remote_addr", pd.RemoteAddr),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("kind", msg.Kind),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData describes one client-facing HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the client session a log line belongs to.
type SessionData struct {
	SessionID string
	Instance  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type peerDataKey struct{}

// PeerData identifies the upstream peer connection a log line belongs to.
type PeerData struct {
	Instance   string
	RemoteAddr string
}

func WithPeerData(ctx context.Context, data *PeerData) context.Context {
	return context.WithValue(ctx, peerDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage describes the JSON-RPC message being routed.
type RPCMessage struct {
	Method string
	ID     string
	Kind   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}
