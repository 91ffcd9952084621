package server

import (
	"encoding/json"
	"slices"
	"sync"
)

// EventHandler handles an inbound event. ack is nil unless the client asked
// for an acknowledgement.
type EventHandler func(s *Socket, args []json.RawMessage, ack func(args ...any) error)

// Middleware runs before a socket joins a namespace. A non-nil error is sent
// back to the client as connect_error.
type Middleware func(s *Socket) error

// Namespace holds the handlers for one namespace.
type Namespace struct {
	name string

	mu           sync.RWMutex
	middleware   []Middleware
	handlers     map[string]EventHandler
	onConnect    []func(*Socket)
	onDisconnect []func(s *Socket, reason string)
	fallback     EventHandler
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		name:     name,
		handlers: make(map[string]EventHandler),
	}
}

// Name returns the namespace name.
func (ns *Namespace) Name() string {
	return ns.name
}

// Use appends a connect middleware.
func (ns *Namespace) Use(fn Middleware) {
	ns.mu.Lock()
	ns.middleware = append(ns.middleware, fn)
	ns.mu.Unlock()
}

// On registers the handler for an event name.
func (ns *Namespace) On(event string, fn EventHandler) {
	ns.mu.Lock()
	ns.handlers[event] = fn
	ns.mu.Unlock()
}

// OnAny registers the handler for events without a specific handler.
// The event name is passed as the first argument.
func (ns *Namespace) OnAny(fn EventHandler) {
	ns.mu.Lock()
	ns.fallback = fn
	ns.mu.Unlock()
}

// OnConnect registers a callback for sockets joining the namespace.
func (ns *Namespace) OnConnect(fn func(*Socket)) {
	ns.mu.Lock()
	ns.onConnect = append(ns.onConnect, fn)
	ns.mu.Unlock()
}

// OnDisconnect registers a callback for sockets leaving the namespace.
func (ns *Namespace) OnDisconnect(fn func(s *Socket, reason string)) {
	ns.mu.Lock()
	ns.onDisconnect = append(ns.onDisconnect, fn)
	ns.mu.Unlock()
}

func (ns *Namespace) admit(s *Socket) error {
	ns.mu.RLock()
	mws := slices.Clone(ns.middleware)
	ns.mu.RUnlock()

	for _, mw := range mws {
		if err := mw(s); err != nil {
			return err
		}
	}
	return nil
}

func (ns *Namespace) connected(s *Socket) {
	ns.mu.RLock()
	fns := slices.Clone(ns.onConnect)
	ns.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (ns *Namespace) disconnected(s *Socket, reason string) {
	ns.mu.RLock()
	fns := slices.Clone(ns.onDisconnect)
	ns.mu.RUnlock()

	for _, fn := range fns {
		fn(s, reason)
	}
}

// dispatch calls the handler for event, falling back to OnAny.
func (ns *Namespace) dispatch(s *Socket, event string, args []json.RawMessage, ack func(args ...any) error) bool {
	ns.mu.RLock()
	fn, ok := ns.handlers[event]
	fallback := ns.fallback
	ns.mu.RUnlock()

	if ok {
		fn(s, args, ack)
		return true
	}
	if fallback != nil {
		name, _ := json.Marshal(event)
		fallback(s, append([]json.RawMessage{name}, args...), ack)
		return true
	}
	return false
}
