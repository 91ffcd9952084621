// echoserver runs a multiplex server that echoes every event back on the
// same namespace. Events that ask for an ack are answered with the received
// arguments instead. Namespaces under /deny are refused.
// Usage: go run ./cmd/echoserver -addr :3210
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/sockmux/internal/server"
	"github.com/rickgao/sockmux/internal/version"
)

var errDenied = errors.New("namespace denied")

func main() {
	addr := flag.String("addr", ":3210", "listen address")
	verbose := flag.Bool("verbose", false, "log every event")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting echoserver", append(version.Attrs(), "addr", *addr)...)

	srv := server.NewServer(server.Config{
		DynamicNamespaces: true,
		Setup:             func(ns *server.Namespace) { setupNamespace(ns, logger) },
	}, logger)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not closed by Shutdown
	srv.DropAll()
	httpServer.Shutdown(shutdownCtx)

	logger.Info("echoserver stopped", "connections", srv.Connections())
}

func setupNamespace(ns *server.Namespace, logger *slog.Logger) {
	log := logger.With("nsp", ns.Name())

	if ns.Name() == "/deny" || strings.HasPrefix(ns.Name(), "/deny/") {
		ns.Use(func(*server.Socket) error { return errDenied })
		return
	}

	ns.OnConnect(func(s *server.Socket) {
		log.Info("socket joined", "sid", s.ID())
	})
	ns.OnDisconnect(func(s *server.Socket, reason string) {
		log.Info("socket left", "sid", s.ID(), "reason", reason)
	})

	ns.OnAny(func(s *server.Socket, args []json.RawMessage, ack func(...any) error) {
		var event string
		if err := json.Unmarshal(args[0], &event); err != nil {
			log.Warn("bad event name", "error", err)
			return
		}

		rest := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			rest = append(rest, a)
		}
		log.Debug("event", "sid", s.ID(), "event", event, "args", len(rest))

		if ack != nil {
			if err := ack(rest...); err != nil {
				log.Warn("ack failed", "event", event, "error", err)
			}
			return
		}
		if err := s.Emit(event, rest...); err != nil {
			log.Warn("echo failed", "event", event, "error", err)
		}
	})
}
