package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Brunoantonio2025/transmi-ao/config"
	"github.com/Brunoantonio2025/transmi-ao/hub"
	"github.com/Brunoantonio2025/transmi-ao/liveness"
	"github.com/Brunoantonio2025/transmi-ao/metrics"
	"github.com/Brunoantonio2025/transmi-ao/protocol"
	ws "github.com/Brunoantonio2025/transmi-ao/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	registry := hub.New(hub.WithMetrics(m))
	router := protocol.NewHandler(registry, m)
	monitor := liveness.NewMonitor(clockwork.NewRealClock(), cfg.ProbeInterval, router.Disconnected, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	upgrade := ws.NewHandler(router, monitor, ws.NewConnectLimiter(cfg.ConnectRate, cfg.ConnectBurst), m, ws.Options{
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBufferSize,
		TrustedProxies: proxies,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes(registry, upgrade, metrics.Handler(reg), cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "probeInterval", cfg.ProbeInterval)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// routes serves WebSocket upgrades on / and /ws; other requests on / go to
// the static pages when staticDir is set.
func routes(registry *hub.Hub, upgrade http.Handler, metricsHandler http.Handler, staticDir string) http.Handler {
	var static http.Handler = http.NotFoundHandler()
	if staticDir != "" {
		static = http.FileServer(http.Dir(staticDir))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", upgrade)
	mux.HandleFunc("/healthz", healthHandler(registry))
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if ws.IsUpgrade(r) {
			upgrade.ServeHTTP(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
	return mux
}

func healthHandler(registry *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, viewers := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"timestamp":         time.Now().UTC().Format(time.RFC3339),
			"broadcasterActive": active,
			"viewerCount":       viewers,
		})
	}
}
