package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the Transport Connection: one WebSocket connection shared by
// every namespace, re-established with backoff when it drops.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	backoff Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu       sync.Mutex
	state    State
	client   Client
	handler  func(Packet)
	shutdown bool

	// Subscribers
	listenersMu sync.RWMutex
	listeners   map[uint64]func(Event)
	nextID      uint64

	dials atomic.Int64
}

// NewEngine creates a Transport Connection. It does not dial until Open.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:    cfg,
		logger: logger,
		backoff: Backoff{
			Min:    cfg.ReconnectionDelay,
			Max:    cfg.ReconnectionDelayMax,
			Jitter: cfg.RandomizationFactor,
		},
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uint64]func(Event)),
	}
}

// URL returns the endpoint URL.
func (e *Engine) URL() string {
	return e.cfg.URL
}

// State returns the current connectivity state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Dials returns the number of dial attempts made so far.
func (e *Engine) Dials() int64 {
	return e.dials.Load()
}

// SetHandler installs the callback for inbound packets. The callback runs on
// the read goroutine; it must not block waiting for further packets.
func (e *Engine) SetHandler(fn func(Packet)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Subscribe registers fn for connectivity events and returns a function that
// removes it.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

// Open starts connecting if the connection is idle. It returns immediately;
// connectivity is reported through Subscribe and State. Calling Open while
// connecting or connected is a no-op.
func (e *Engine) Open() {
	e.mu.Lock()
	if e.shutdown || e.state != StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateConnecting
	e.wg.Add(1)
	e.mu.Unlock()

	go e.dialLoop(false)
}

// Send writes a packet to the shared connection.
func (e *Engine) Send(p Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}

	e.mu.Lock()
	c := e.client
	connected := e.state == StateConnected
	e.mu.Unlock()

	if c == nil || !connected {
		return ErrNotConnected
	}
	return c.Send(data)
}

// Shutdown closes the connection for every namespace and stops reconnecting.
// It is meant for the owner of the engine, not for individual namespaces.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	c := e.client
	e.client = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	e.cancel()
	if c != nil {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("transport shutdown timeout", "url", e.cfg.URL)
		return ctx.Err()
	}

	e.logger.Debug("transport shut down", "url", e.cfg.URL)
	return nil
}

// dialLoop connects, retrying with backoff when reconnection is enabled.
func (e *Engine) dialLoop(reconnecting bool) {
	defer e.wg.Done()

	attempt := 0
	for {
		if reconnecting {
			if e.cfg.ReconnectionAttempts > 0 && attempt >= e.cfg.ReconnectionAttempts {
				e.logger.Warn("reconnection failed",
					"url", e.cfg.URL,
					"attempts", attempt,
				)
				e.setState(StateDisconnected)
				e.emit(Event{Type: EventReconnectFailed, Attempt: attempt, Err: ErrReconnectFailed})
				return
			}

			wait := e.backoff.Duration(attempt)
			attempt++
			e.emit(Event{Type: EventReconnectAttempt, Attempt: attempt})

			select {
			case <-e.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		err := e.dial()
		if err == nil {
			if attempt > 0 {
				e.logger.Info("reconnected", "url", e.cfg.URL, "attempt", attempt)
				e.emit(Event{Type: EventReconnect, Attempt: attempt})
			}
			return
		}
		if errors.Is(err, ErrShutdown) || e.ctx.Err() != nil {
			return
		}

		e.logger.Warn("transport connect failed",
			"url", e.cfg.URL,
			"attempt", attempt,
			"error", err,
		)
		if !e.cfg.Reconnection {
			// Disconnected before listeners run so they can call Open again.
			e.setState(StateDisconnected)
			e.emit(Event{Type: EventError, Err: err})
			return
		}
		e.emit(Event{Type: EventError, Err: err})
		reconnecting = true
	}
}

// dial performs a single connection attempt.
func (e *Engine) dial() error {
	ctx := e.ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(e.ctx, e.cfg.Timeout)
		defer cancel()
	}

	e.dials.Add(1)
	c := NewClient(e.cfg.clientConfig(), e.logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		c.Close()
		return ErrShutdown
	}
	e.client = c
	e.state = StateConnected
	e.wg.Add(1)
	e.mu.Unlock()

	go e.readLoop(c)

	e.logger.Info("transport open", "url", e.cfg.URL)
	e.emit(Event{Type: EventOpen})
	return nil
}

// readLoop decodes frames from one client and hands them to the handler.
func (e *Engine) readLoop(c Client) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case err := <-c.Errors():
			e.drop(c, err)
			return

		case frame := <-c.Frames():
			pkt, err := DecodePacket(frame.Data)
			if err != nil {
				e.logger.Warn("dropping malformed packet", "error", err)
				continue
			}

			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()

			if handler != nil {
				handler(pkt)
			}
		}
	}
}

// drop handles loss of the connection owned by c.
func (e *Engine) drop(c Client, err error) {
	c.Close()

	e.mu.Lock()
	if e.client != c || e.shutdown {
		e.mu.Unlock()
		return
	}
	e.client = nil
	reconnect := e.cfg.Reconnection
	if reconnect {
		e.state = StateConnecting
		e.wg.Add(1)
	} else {
		e.state = StateDisconnected
	}
	e.mu.Unlock()

	e.logger.Warn("transport closed", "url", e.cfg.URL, "error", err)
	e.emit(Event{Type: EventClose, Reason: "transport error", Err: err})

	if reconnect {
		go e.dialLoop(true)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if !e.shutdown {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
