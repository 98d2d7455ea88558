// Command chatrelay runs the reverse proxy: a single OpenAI-compatible
// chat-completion endpoint backed by a rotating pool of upstream
// credentials. Wiring and graceful-shutdown shape are grounded on
// _teacher_reference/cmd_relay/main.go and server.Server.Run.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaynine/chatrelay/internal/admin"
	"github.com/relaynine/chatrelay/internal/availability"
	"github.com/relaynine/chatrelay/internal/balance"
	"github.com/relaynine/chatrelay/internal/block"
	"github.com/relaynine/chatrelay/internal/config"
	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/engine"
	"github.com/relaynine/chatrelay/internal/events"
	"github.com/relaynine/chatrelay/internal/gateway"
	"github.com/relaynine/chatrelay/internal/proxy"
	"github.com/relaynine/chatrelay/internal/selector"
	"github.com/relaynine/chatrelay/internal/store"
	"github.com/relaynine/chatrelay/internal/usagelog"
)

var version = "dev"

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("chatrelay starting", "version", version)

	if !cfg.EncryptionEnabled() {
		slog.Warn("ENCRYPTION_KEY not set: credential secrets are stored in plaintext")
	}
	if !cfg.AuthEnabled() {
		slog.Warn("ADMIN_PASSWORD not set: the client and admin surfaces are unauthenticated")
	}

	s, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	bus := events.NewBus(200)

	crypto := credential.NewCrypto(cfg.EncryptionKey)
	credentials := credential.NewRegistry(s, crypto)

	keySelector := selector.New(credentials)
	keySelector.Refresh()

	avail := availability.NewController(credentials, keySelector, bus)

	proxies := proxy.NewRegistry(s)
	pool := proxy.NewTransportPool()
	defer pool.Close()
	proxySel := proxy.NewSelector(proxies, s, pool, cfg.UpstreamTimeout)

	blocks := block.NewDetector(s)
	prober := balance.NewProber(cfg.UpstreamBaseURL, cfg.BalanceProbeTimeout)
	usage := usagelog.New(s)

	eng := engine.New(cfg, credentials, keySelector, avail, proxySel, pool.Direct(), blocks, prober, usage, bus)

	gw := gateway.New(cfg, eng, s, blocks)
	adm := admin.New(cfg, credentials, proxies, pool, keySelector)

	mux := http.NewServeMux()
	gw.Routes(mux)
	adm.Routes(mux)

	httpServer := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    cfg.ClientSocketTimeout,
		WriteTimeout:   cfg.ClientSocketTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go avail.RunCleanup(ctx, 5*time.Minute)
	go pool.RunCleanup(ctx, 5*time.Minute, 10*time.Minute)
	go blocks.RunPurge(ctx, cfg.BlockPurgeInterval)
	go usage.RunPurge(ctx, 6*time.Hour, cfg.UsageLogRetention)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
