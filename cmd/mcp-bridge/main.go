// Command mcp-bridge runs the bridge process: an HTTP MCP endpoint for
// tool-calling clients on one port and a WebSocket listener for
// upstream peers on another, with the router correlating traffic
// between them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/browserlink/mcp-bridge/internal/logctx"
	"github.com/browserlink/mcp-bridge/internal/portguard"
	"github.com/browserlink/mcp-bridge/peers"
	"github.com/browserlink/mcp-bridge/router"
	"github.com/browserlink/mcp-bridge/sessions"
	"github.com/browserlink/mcp-bridge/streaminghttp"
)

type config struct {
	// HTTPAddr is the client-facing MCP endpoint. ENV: BRIDGE_HTTP_ADDR
	HTTPAddr string `env:"BRIDGE_HTTP_ADDR,default=:3000"`
	// PeerAddr is the peer-facing WebSocket listener. ENV: BRIDGE_PEER_ADDR
	PeerAddr string `env:"BRIDGE_PEER_ADDR,default=:9009"`
	// LogLevel is one of debug, info, warn, error. ENV: BRIDGE_LOG_LEVEL
	LogLevel string `env:"BRIDGE_LOG_LEVEL,default=info"`
	// LogFormat is "json" or "text". ENV: BRIDGE_LOG_FORMAT
	LogFormat string `env:"BRIDGE_LOG_FORMAT,default=json"`
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}

func main() {
	var cfg config
	// Defaults are provided via struct tags; decode cannot fail to
	// produce a usable config.
	_ = envdecode.Decode(&cfg)

	log := newLogger(cfg)

	// Another bridge already holding either port means another instance
	// is serving; that is a clean, expected exit, not a failure.
	if err := portguard.Probe(cfg.HTTPAddr, cfg.PeerAddr); err != nil {
		log.Info("startup.ports.taken", slog.String("err", err.Error()))
		os.Exit(0)
	}

	registry := peers.NewRegistry(peers.WithLogger(log))
	mgr := sessions.NewManager(sessions.WithLogger(log))
	rt := router.New(registry, mgr, router.WithLogger(log))
	registry.SetSink(rt)

	clientSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: streaminghttp.New(registry, mgr, rt, streaminghttp.WithLogger(log)),
	}
	peerSrv := &http.Server{
		Addr:    cfg.PeerAddr,
		Handler: registry,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.HTTPAddr))
		errCh <- clientSrv.ListenAndServe()
	}()
	go func() {
		log.Info("peer.listen", slog.String("addr", cfg.PeerAddr))
		errCh <- peerSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutdown.signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listener.fail", slog.String("err", err.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = clientSrv.Shutdown(ctx)
	mgr.CloseAll()
	registry.CloseAll()
	_ = peerSrv.Shutdown(ctx)

	log.Info("shutdown.done")
}
