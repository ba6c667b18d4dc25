// Package main is the server's entry point.
//
// Wire-up order:
//  1. Load config
//  2. Create the spool directory
//  3. Start the registry (participant/chat/file owner goroutine)
//  4. Start the fanout engine
//  5. Start the rate limiter
//  6. Build the moderation dispatcher (its onKick callback closes over the
//     transport server, built in step 8, via a two-phase wire-up)
//  7. Build the file transfer mediator
//  8. Build the transport server
//  9. Start the liveness monitor
//  10. Run ListenAndServe, which blocks until SIGINT/SIGTERM cancels the
//      root context, then let everything drain
//
// No global state — everything is constructed here and wired together by
// passing references down, the same shape this server has always used for
// its dependency graph.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/akinalpfdn/lanhub/config"
	"github.com/akinalpfdn/lanhub/fanout"
	"github.com/akinalpfdn/lanhub/liveness"
	"github.com/akinalpfdn/lanhub/moderation"
	"github.com/akinalpfdn/lanhub/ratelimit"
	"github.com/akinalpfdn/lanhub/registry"
	"github.com/akinalpfdn/lanhub/transfer"
	"github.com/akinalpfdn/lanhub/transport"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// ─── 2. Spool directory ───
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		logger.Error("failed to create spool directory", "error", err)
		os.Exit(1)
	}

	// ─── 3. Registry ───
	reg := registry.New(cfg.ChatHistorySize, cfg.MaxParticipants, logger)
	defer reg.Close()

	// ─── 4. Fanout ───
	// A participant whose control queue overflows its hard bound is declared
	// unhealthy and disconnected the same way a liveness hard timeout is:
	// remove, announce, close the connection. mod and srv are assigned
	// below, once the pieces that depend on fan and on each other exist;
	// the closures only read them at call time, long after wire-up.
	var mod *moderation.Dispatcher
	var srv *transport.Server
	unhealthy := func(id int) {
		if mod != nil {
			mod.Disconnect(id, "unhealthy outbound queue")
		}
		if srv != nil {
			srv.CloseConn(id)
		}
	}
	fan := fanout.New(logger, unhealthy)

	// ─── 5. Rate limiter ───
	limiter := ratelimit.New(ratelimit.DefaultMaxMessages, ratelimit.DefaultWindow, ratelimit.DefaultCooldown)
	defer limiter.Close()

	// ─── 6. Moderation ───
	// onKick needs to close the connection transport owns, but transport
	// needs the dispatcher to exist first — resolved with a forwarding
	// closure that reads srv once transport.New has assigned it.
	onKick := func(id int) {
		if srv != nil {
			srv.CloseConn(id)
		}
	}
	mod = moderation.New(reg, fan, onKick, logger)

	// ─── 7. File transfer ───
	xfer := transfer.New(cfg.SpoolDir, cfg.MaxFileSize, cfg.BindAddress, reg, fan, logger)

	// ─── 8. Transport ───
	srv = transport.New(cfg, reg, fan, mod, xfer, limiter, logger)

	// ─── 9. Liveness ───
	evict := func(id int, reason string) {
		mod.Disconnect(id, reason)
		srv.CloseConn(id)
	}
	monitor := liveness.New(reg, cfg.HeartbeatSoft(), cfg.HeartbeatHard(), evict, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)

	logger.Info("server starting")
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}
