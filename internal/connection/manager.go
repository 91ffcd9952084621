package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"

	"github.com/rickgao/sockmux/internal/transport"
)

// Manager owns one transport connection to an endpoint and hands out one
// Socket per namespace multiplexed over it.
type Manager interface {
	// Open starts the transport if it is idle. It never blocks.
	Open()

	// Connect is an alias of Open.
	Connect()

	// Close is not supported; sockets are closed individually. It logs a
	// notice and leaves every socket untouched.
	Close()

	// Disconnect behaves like Close.
	Disconnect()

	// Socket returns the socket for nsp, creating it on first use.
	Socket(nsp string) (*Socket, error)

	// Release disconnects the socket for nsp and forgets it. It reports
	// whether a socket was cached.
	Release(nsp string) bool

	// Sockets returns the cached sockets ordered by namespace.
	Sockets() []*Socket

	// State returns the transport state.
	State() transport.State

	// URL returns the transport URL.
	URL() string

	// OnTransport subscribes to transport events.
	OnTransport(fn func(transport.Event)) func()

	// Shutdown disconnects every socket and closes the transport.
	Shutdown(ctx context.Context) error
}

const closeNotice = "closing a manager is not supported, close each socket individually"

// manager implements the Manager interface.
type manager struct {
	endpoint string
	opts     Options
	logger   *slog.Logger
	engine   *transport.Engine

	mu       sync.Mutex
	nsps     map[string]*Socket // normalized namespace -> socket
	shutdown bool

	unsubscribe func()
}

// NewManager creates a manager for rawURL. The URL scheme must be one of
// ws, wss, http or https; its path and query are ignored in favor of
// opts.Path and opts.Query.
func NewManager(rawURL string, opts Options, logger *slog.Logger) (Manager, error) {
	return newManager(rawURL, opts, logger)
}

func newManager(rawURL string, opts Options, logger *slog.Logger) (*manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}

	cfg := opts.transportConfig(u)
	m := &manager{
		endpoint: endpointID(u),
		opts:     opts,
		logger:   logger.With("endpoint", cfg.URL),
		nsps:     make(map[string]*Socket),
	}
	m.engine = transport.NewEngine(cfg, m.logger)
	m.engine.SetHandler(m.handlePacket)
	m.unsubscribe = m.engine.Subscribe(m.handleTransport)
	return m, nil
}

func (m *manager) Open() {
	m.engine.Open()
}

func (m *manager) Connect() {
	m.Open()
}

func (m *manager) Close() {
	m.unsupported("close")
}

func (m *manager) Disconnect() {
	m.unsupported("disconnect")
}

func (m *manager) unsupported(op string) {
	m.logger.Warn(closeNotice, "op", op, "error", ErrUnsupportedOperation)
	m.opts.Metrics.UnsupportedOperation(op)
}

func (m *manager) Socket(nsp string) (*Socket, error) {
	name, err := transport.ParseNamespace(nsp)
	if err != nil {
		if nsp == "" {
			return nil, ErrEmptyNamespace
		}
		return nil, &NamespaceError{Namespace: nsp, Err: err}
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if s, ok := m.nsps[name]; ok {
		m.mu.Unlock()
		return s, nil
	}

	s := newSocket(m, name)
	if m.opts.AutoConnect {
		// Marked under the cache lock so no caller sees it disconnected.
		s.mu.Lock()
		s.beginConnectLocked()
		s.mu.Unlock()
	}
	m.nsps[name] = s
	n := len(m.nsps)
	m.mu.Unlock()

	m.opts.Metrics.SetSockets(m.endpoint, n)
	m.logger.Debug("socket created", "nsp", name, "auto_connect", m.opts.AutoConnect)

	if m.opts.AutoConnect {
		if err := m.connectSocket(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *manager) has(nsp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nsps[nsp]
	return ok
}

func (m *manager) Release(nsp string) bool {
	name, err := transport.ParseNamespace(nsp)
	if err != nil {
		return false
	}

	m.mu.Lock()
	s, ok := m.nsps[name]
	if ok {
		delete(m.nsps, name)
	}
	n := len(m.nsps)
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.Disconnect()
	s.teardown(ReasonClientDisconnect, true)
	m.opts.Metrics.SetSockets(m.endpoint, n)
	m.logger.Debug("socket released", "nsp", name)
	return true
}

func (m *manager) Sockets() []*Socket {
	m.mu.Lock()
	out := make([]*Socket, 0, len(m.nsps))
	for _, s := range m.nsps {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].nsp < out[j].nsp })
	return out
}

func (m *manager) State() transport.State {
	return m.engine.State()
}

func (m *manager) URL() string {
	return m.engine.URL()
}

func (m *manager) OnTransport(fn func(transport.Event)) func() {
	return m.engine.Subscribe(fn)
}

func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	sockets := make([]*Socket, 0, len(m.nsps))
	for _, s := range m.nsps {
		sockets = append(sockets, s)
	}
	clear(m.nsps)
	m.mu.Unlock()

	m.opts.Metrics.SetSockets(m.endpoint, 0)

	// Sockets see the shutdown reason before the transport close event.
	for _, s := range sockets {
		s.teardown(ReasonShutdown, true)
	}
	m.unsubscribe()

	if err := m.engine.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown %s: %w", m.endpoint, err)
	}
	m.logger.Info("manager shut down", "sockets", len(sockets))
	return nil
}

// connectSocket opens the transport for a socket that just became
// connecting, sending its connect packet right away if the transport is
// already up.
func (m *manager) connectSocket(s *Socket) error {
	m.mu.Lock()
	down := m.shutdown
	m.mu.Unlock()
	if down {
		return ErrShutdown
	}

	m.engine.Open()
	if m.engine.State() == transport.StateConnected {
		s.sendConnect(m)
	}
	return nil
}

func (m *manager) send(p transport.Packet) error {
	if err := m.engine.Send(p); err != nil {
		return err
	}
	m.opts.Metrics.Packet("out", string(p.Type))
	return nil
}

// handlePacket routes an inbound packet to its namespace.
func (m *manager) handlePacket(p transport.Packet) {
	m.opts.Metrics.Packet("in", string(p.Type))

	m.mu.Lock()
	s, ok := m.nsps[p.Namespace]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("packet for unknown namespace", "nsp", p.Namespace, "type", p.Type)
		return
	}
	s.handlePacket(m, p)
}

// handleTransport fans transport events out to the sockets.
func (m *manager) handleTransport(ev transport.Event) {
	m.opts.Metrics.TransportEvent(m.endpoint, string(ev.Type))

	switch ev.Type {
	case transport.EventOpen:
		for _, s := range m.Sockets() {
			s.transportOpened(m)
		}
	case transport.EventClose:
		for _, s := range m.Sockets() {
			s.transportClosed(m.opts.Reconnection)
		}
	case transport.EventError:
		for _, s := range m.Sockets() {
			s.transportFailed(ev.Err, m.opts.Reconnection)
		}
	case transport.EventReconnectFailed:
		for _, s := range m.Sockets() {
			s.transportFailed(ev.Err, false)
		}
	}
}

// endpointID identifies an endpoint for manager reuse: the scheme (ws
// folded into http), host and port.
func endpointID(u *url.URL) string {
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(u.Hostname(), port)
}
