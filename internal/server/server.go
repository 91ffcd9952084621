package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sockmux/internal/transport"
)

// Errors
var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrSocketClosed     = errors.New("socket closed")
	ErrAckSent          = errors.New("ack already sent")
)

// Config configures a Server.
type Config struct {
	// DynamicNamespaces accepts connects to namespaces that were never
	// registered with Of, creating them on first use.
	DynamicNamespaces bool

	// Setup runs once for every namespace the server creates.
	Setup func(ns *Namespace)

	WriteTimeout time.Duration
}

// Server accepts WebSocket connections and serves namespace packets
// multiplexed over them.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	conns      map[*conn]struct{}

	connects    sync.Map // nsp -> *atomic.Int64
	connections atomic.Int64
}

// NewServer creates a server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		namespaces: make(map[string]*Namespace),
		conns:      make(map[*conn]struct{}),
	}
}

// Of returns the namespace with the given name, creating it if needed.
func (s *Server) Of(name string) *Namespace {
	nsp, err := transport.ParseNamespace(name)
	if err != nil {
		nsp = name
	}

	s.mu.Lock()
	ns, ok := s.namespaces[nsp]
	if !ok {
		ns = newNamespace(nsp)
		s.namespaces[nsp] = ns
	}
	s.mu.Unlock()

	if !ok && s.cfg.Setup != nil {
		s.cfg.Setup(ns)
	}
	return ns
}

// lookup resolves the namespace for an inbound connect.
func (s *Server) lookup(nsp string) *Namespace {
	s.mu.RLock()
	ns := s.namespaces[nsp]
	s.mu.RUnlock()

	if ns == nil && s.cfg.DynamicNamespaces {
		return s.Of(nsp)
	}
	return ns
}

// ConnectCount returns how many namespace connect packets arrived for nsp.
func (s *Server) ConnectCount(nsp string) int64 {
	if v, ok := s.connects.Load(nsp); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Connections returns how many WebSocket connections were accepted.
func (s *Server) Connections() int64 {
	return s.connections.Load()
}

// ActiveConnections returns how many WebSocket connections are open.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// DropAll forcibly closes every open WebSocket connection, as a network
// failure would.
func (s *Server) DropAll() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// ServeHTTP upgrades the request and serves packets until the peer leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &conn{
		srv:     s,
		ws:      ws,
		req:     r,
		sockets: make(map[string]*Socket),
		acks:    make(map[int64]chan []json.RawMessage),
		logger:  s.logger.With("remote", r.RemoteAddr),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)

	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) countConnect(nsp string) {
	v, _ := s.connects.LoadOrStore(nsp, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}
