// sockmux joins the configured namespaces on one endpoint, logs socket and
// transport events, and serves health, metrics and socket state over HTTP.
// Usage: go run ./cmd/sockmux -config configs/sockmux.example.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sockmux/internal/config"
	"github.com/rickgao/sockmux/internal/connection"
	"github.com/rickgao/sockmux/internal/metrics"
	"github.com/rickgao/sockmux/internal/transport"
	"github.com/rickgao/sockmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/sockmux.example.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	var level slog.Level
	levelErr := level.UnmarshalText([]byte(cfg.Instance.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	if levelErr != nil {
		logger.Warn("invalid log level, using info", "log_level", cfg.Instance.LogLevel, "error", levelErr)
	}

	logger.Info("starting sockmux", append(version.Attrs(), "config", *configPath)...)
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"endpoint", cfg.Endpoint.URL,
		"namespaces", len(cfg.Namespaces),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg, m := metrics.NewRegistry()
	registry := connection.NewRegistry(logger, m)
	opts := cfg.Options()

	sockets := make([]*connection.Socket, 0, len(cfg.Namespaces))
	managers := make(map[connection.Manager]bool)
	for _, ns := range cfg.Namespaces {
		s, err := registry.Lookup(namespaceURL(cfg.Endpoint.URL, ns.Name), opts)
		if err != nil {
			logger.Error("failed to create socket", "nsp", ns.Name, "error", err)
			os.Exit(1)
		}
		watchSocket(s, logger)
		sockets = append(sockets, s)

		if mgr := s.Manager(); mgr != nil && !managers[mgr] {
			managers[mgr] = true
			watchTransport(mgr, logger)
		}
	}

	// Without autoConnect every socket is connected explicitly
	if !opts.AutoConnect {
		for _, s := range sockets {
			if err := s.Connect(); err != nil {
				logger.Error("failed to connect socket", "nsp", s.Namespace(), "error", err)
			}
		}
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(cfg, registry, reg),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	for i, ns := range cfg.Namespaces {
		if ns.Heartbeat > 0 {
			s := sockets[i]
			g.Go(func() error {
				heartbeat(gctx, s, ns.Heartbeat, logger)
				return nil
			})
		}
	}

	logger.Info("sockmux running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-gctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("registry close", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}

	if err := g.Wait(); err != nil {
		logger.Error("sockmux failed", "error", err)
		os.Exit(1)
	}
	logger.Info("sockmux stopped")
}

// namespaceURL puts the namespace in the path of the endpoint URL.
func namespaceURL(endpoint, nsp string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	name, err := transport.ParseNamespace(nsp)
	if err != nil {
		name = nsp
	}
	u.Path = name
	return u.String()
}

func watchSocket(s *connection.Socket, logger *slog.Logger) {
	log := logger.With("nsp", s.Namespace())

	s.On(connection.EventConnect, func(connection.Event) {
		log.Info("socket connected", "sid", s.ID())
	})
	s.On(connection.EventConnectError, func(ev connection.Event) {
		log.Warn("socket connect error", "error", ev.Err)
	})
	s.On(connection.EventConnectTimeout, func(connection.Event) {
		log.Warn("socket connect timeout")
	})
	s.On(connection.EventDisconnect, func(ev connection.Event) {
		log.Info("socket disconnected", "reason", ev.Reason)
	})
	s.On("message", func(ev connection.Event) {
		log.Info("message", "args", len(ev.Args))
		if ev.WantsAck() {
			if err := ev.Ack(); err != nil {
				log.Debug("failed to ack message", "error", err)
			}
		}
	})
}

func watchTransport(m connection.Manager, logger *slog.Logger) {
	log := logger.With("url", m.URL())
	m.OnTransport(func(ev transport.Event) {
		switch ev.Type {
		case transport.EventOpen, transport.EventReconnect:
			log.Info("transport event", "event", ev.Type, "attempt", ev.Attempt)
		case transport.EventReconnectAttempt:
			log.Debug("transport event", "event", ev.Type, "attempt", ev.Attempt)
		default:
			log.Warn("transport event", "event", ev.Type, "reason", ev.Reason, "error", ev.Err)
		}
	})
}

// heartbeat emits "ping" with an ack on every tick and logs the round trip.
func heartbeat(ctx context.Context, s *connection.Socket, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Connected() {
				continue
			}
			start := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			_, err := s.EmitWithAck(pingCtx, "ping", start.UnixMilli())
			cancel()
			if err != nil {
				logger.Warn("heartbeat failed", "nsp", s.Namespace(), "error", err)
				continue
			}
			logger.Debug("heartbeat", "nsp", s.Namespace(), "rtt", time.Since(start))
		}
	}
}

type socketInfo struct {
	Namespace       string `json:"nsp"`
	Handle          string `json:"handle"`
	SID             string `json:"sid,omitempty"`
	State           string `json:"state"`
	ConnectAttempts int64  `json:"connect_attempts"`
}

type transportInfo struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type managerInfo struct {
	URL       string       `json:"url"`
	Transport string       `json:"transport"`
	Sockets   []socketInfo `json:"sockets"`
}

// createHealthHandler creates the HTTP handler for health, metrics and
// socket state.
func createHealthHandler(cfg *config.SockmuxConfig, registry *connection.Registry, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string         `json:"status"`
			InstanceID string         `json:"instance_id"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			InstanceID: cfg.Instance.ID,
			Version:    version.String(),
			Components: make(map[string]any),
		}

		connected, total := 0, 0
		transports := make([]transportInfo, 0)
		for _, m := range registry.Managers() {
			for _, s := range m.Sockets() {
				total++
				if s.Connected() {
					connected++
				}
			}
			// Several managers may share a URL (forceNew, repeated namespace).
			transports = append(transports, transportInfo{URL: m.URL(), State: m.State().String()})
		}
		health.Components["transports"] = transports
		health.Components["sockets"] = map[string]int{"connected": connected, "total": total}

		switch {
		case total > 0 && connected == 0:
			health.Status = "unhealthy"
		case connected < total:
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))

	mux.HandleFunc("/debug/sockets", func(w http.ResponseWriter, r *http.Request) {
		var out []managerInfo
		for _, m := range registry.Managers() {
			info := managerInfo{URL: m.URL(), Transport: m.State().String()}
			for _, s := range m.Sockets() {
				info.Sockets = append(info.Sockets, socketInfo{
					Namespace:       s.Namespace(),
					Handle:          s.Handle(),
					SID:             s.ID(),
					State:           s.State().String(),
					ConnectAttempts: s.ConnectAttempts(),
				})
			}
			out = append(out, info)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":    len(out),
			"managers": out,
		})
	})

	return mux
}
