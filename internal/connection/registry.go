package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sockmux/internal/metrics"
	"github.com/rickgao/sockmux/internal/transport"
)

// Registry resolves socket URLs to managers, sharing one manager per
// endpoint unless the options ask for a fresh connection.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cache    map[string]*manager // endpoint id -> shared manager
	managers []*manager          // every manager created, for Close
	closed   bool
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		metrics: m,
		cache:   make(map[string]*manager),
	}
}

// Lookup returns a socket for rawURL. The URL path selects the namespace
// ("/" when empty) and its query is added to the connection query.
//
// A new manager is created when opts.ForceNew is set, when opts.Multiplex is
// off, or when the cached manager for the endpoint already has a socket for
// the namespace. Otherwise the cached manager is reused.
func (r *Registry) Lookup(rawURL string, opts Options) (*Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	nsp := u.Path
	if nsp == "" {
		nsp = "/"
	}
	name, err := transport.ParseNamespace(nsp)
	if err != nil {
		return nil, &NamespaceError{Namespace: nsp, Err: err}
	}

	if q := u.Query(); len(q) > 0 {
		merged := url.Values{}
		for k, vs := range opts.Query {
			merged[k] = append([]string(nil), vs...)
		}
		for k, vs := range q {
			merged[k] = append(merged[k], vs...)
		}
		opts.Query = merged
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	base := *u
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	m, err := r.managerFor(base.String(), name, opts)
	if err != nil {
		return nil, err
	}
	return m.Socket(name)
}

func (r *Registry) managerFor(rawURL, nsp string, opts Options) (*manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShutdown
	}

	u, _ := url.Parse(rawURL)
	id := endpointID(u) + opts.Path

	cached := r.cache[id]
	fresh := opts.ForceNew || !opts.Multiplex || (cached != nil && cached.has(nsp))

	if !fresh && cached != nil {
		return cached, nil
	}

	m, err := newManager(rawURL, opts, r.logger)
	if err != nil {
		return nil, err
	}
	r.managers = append(r.managers, m)

	if fresh {
		r.logger.Debug("new manager", "endpoint", id, "nsp", nsp)
	} else {
		r.cache[id] = m
		r.logger.Debug("cached manager", "endpoint", id)
	}
	return m, nil
}

// Managers returns every manager the registry created.
func (r *Registry) Managers() []Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Manager, len(r.managers))
	for i, m := range r.managers {
		out[i] = m
	}
	return out
}

// Close shuts down every manager concurrently.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	managers := r.managers
	r.managers = nil
	clear(r.cache)
	r.mu.Unlock()

	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error {
			return m.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}

	r.logger.Info("registry closed", "managers", len(managers))
	return nil
}
