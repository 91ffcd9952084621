package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"github.com/rickgao/sockmux/internal/transport"
)

// Socket is one namespace multiplexed over its manager's transport. Its
// connect/disconnect lifecycle is independent of sibling sockets.
type Socket struct {
	handle string
	nsp    string
	logger *slog.Logger

	// Non-owning; the manager decides its own lifetime.
	mgr weak.Pointer[manager]

	timeout time.Duration

	// State
	mu          sync.Mutex
	state       SocketState
	sid         string
	connectSent bool // connect packet sent on the current transport session
	released    bool
	buffer      []transport.Packet
	timer       *time.Timer

	// Handlers
	handlersMu sync.RWMutex
	handlers   map[string][]*handlerEntry

	// Ack correlation
	ackMu sync.Mutex
	acks  map[int64]chan ackResult
	ackID atomic.Int64

	connectAttempts atomic.Int64
}

type ackResult struct {
	args []json.RawMessage
	err  error
}

type handlerEntry struct {
	fn   Handler
	once bool
}

func newSocket(m *manager, nsp string) *Socket {
	handle := uuid.NewString()
	return &Socket{
		handle:   handle,
		nsp:      nsp,
		logger:   m.logger.With("nsp", nsp, "socket", handle),
		mgr:      weak.Make(m),
		timeout:  m.opts.Timeout,
		handlers: make(map[string][]*handlerEntry),
		acks:     make(map[int64]chan ackResult),
	}
}

// Namespace returns the normalized namespace name.
func (s *Socket) Namespace() string { return s.nsp }

// Handle returns a locally generated identifier, stable for the socket's
// lifetime.
func (s *Socket) Handle() string { return s.handle }

// ID returns the session id assigned by the server, or "" while the socket
// is not connected.
func (s *Socket) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// State returns the socket's own connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the namespace is connected.
func (s *Socket) Connected() bool {
	return s.State() == SocketConnected
}

// ConnectAttempts returns how many namespace connect packets were sent.
func (s *Socket) ConnectAttempts() int64 {
	return s.connectAttempts.Load()
}

// Manager returns the owning manager, or nil once it has been collected.
func (s *Socket) Manager() Manager {
	if m := s.mgr.Value(); m != nil {
		return m
	}
	return nil
}

// Connect moves a disconnected socket to connecting and asks the manager to
// open the shared transport. Connecting or connected sockets are left alone.
func (s *Socket) Connect() error {
	m := s.mgr.Value()
	if m == nil {
		return ErrManagerGone
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.state != SocketDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.beginConnectLocked()
	s.mu.Unlock()

	return m.connectSocket(s)
}

// beginConnectLocked marks the socket connecting and arms the connect timer.
func (s *Socket) beginConnectLocked() {
	s.state = SocketConnecting
	s.connectSent = false
	if s.timeout > 0 {
		s.stopTimerLocked()
		s.timer = time.AfterFunc(s.timeout, s.connectTimedOut)
	}
}

func (s *Socket) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Socket) connectTimedOut() {
	s.mu.Lock()
	pending := s.state == SocketConnecting
	s.timer = nil
	s.mu.Unlock()

	if pending {
		s.logger.Warn("namespace connect timed out", "timeout", s.timeout)
		s.fire(Event{Name: EventConnectTimeout})
	}
}

// Disconnect leaves the namespace. The shared transport stays open for the
// other sockets. Calling it on a disconnected socket is a no-op.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	prev := s.state
	if prev == SocketDisconnected {
		s.mu.Unlock()
		return nil
	}
	sent := s.connectSent
	s.state = SocketDisconnected
	s.sid = ""
	s.connectSent = false
	s.buffer = nil
	s.stopTimerLocked()
	s.mu.Unlock()

	if sent {
		if m := s.mgr.Value(); m != nil {
			err := m.send(transport.Packet{Type: transport.PacketDisconnect, Namespace: s.nsp})
			if err != nil && !errors.Is(err, transport.ErrNotConnected) {
				s.logger.Debug("failed to send disconnect", "error", err)
			}
		}
	}

	s.failAcks(ErrNotConnected)
	s.logger.Debug("socket disconnected", "previous", prev)
	if prev == SocketConnected {
		s.fire(Event{Name: EventDisconnect, Reason: ReasonClientDisconnect})
	}
	return nil
}

// On registers a handler for event.
func (s *Socket) On(event string, fn Handler) {
	s.addHandler(event, fn, false)
}

// Once registers a handler that runs at most once.
func (s *Socket) Once(event string, fn Handler) {
	s.addHandler(event, fn, true)
}

// Off removes every handler for event.
func (s *Socket) Off(event string) {
	s.handlersMu.Lock()
	delete(s.handlers, event)
	s.handlersMu.Unlock()
}

func (s *Socket) addHandler(event string, fn Handler, once bool) {
	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], &handlerEntry{fn: fn, once: once})
	s.handlersMu.Unlock()
}

// fire runs the handlers for ev outside of any lock.
func (s *Socket) fire(ev Event) {
	s.handlersMu.Lock()
	entries := s.handlers[ev.Name]
	fns := make([]Handler, 0, len(entries))
	kept := entries[:0:0]
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(entries) {
		s.handlers[ev.Name] = kept
	}
	s.handlersMu.Unlock()

	if isReserved(ev.Name) {
		if m := s.mgr.Value(); m != nil {
			m.opts.Metrics.SocketEvent(s.nsp, ev.Name)
		}
	}

	for _, fn := range fns {
		fn(ev)
	}
}

// Emit sends an event. While the socket is not connected the packet is
// buffered and flushed on connect.
func (s *Socket) Emit(event string, args ...any) error {
	if isReserved(event) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}

	pkt, err := transport.NewEventPacket(s.nsp, event, 0, args...)
	if err != nil {
		return err
	}
	return s.sendOrBuffer(pkt)
}

// EmitWithAck sends an event and waits for the peer's acknowledgement.
// It must not be called from a handler, which runs on the read goroutine.
func (s *Socket) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	if isReserved(event) {
		return nil, fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}

	id := s.ackID.Add(1)
	ch := make(chan ackResult, 1)

	s.ackMu.Lock()
	s.acks[id] = ch
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		delete(s.acks, id)
		s.ackMu.Unlock()
	}()

	pkt, err := transport.NewEventPacket(s.nsp, event, id, args...)
	if err != nil {
		return nil, err
	}
	if err := s.sendOrBuffer(pkt); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrAckTimeout, event, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", event, res.err)
		}
		return res.args, nil
	}
}

// failAcks ends every pending EmitWithAck with err.
func (s *Socket) failAcks(err error) {
	s.ackMu.Lock()
	pending := s.acks
	s.acks = make(map[int64]chan ackResult)
	s.ackMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- ackResult{err: err}:
		default:
		}
	}
}

func (s *Socket) sendOrBuffer(pkt transport.Packet) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.state != SocketConnected {
		s.buffer = append(s.buffer, pkt)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	m := s.mgr.Value()
	if m == nil {
		return ErrManagerGone
	}
	return m.send(pkt)
}

// sendConnect sends the namespace connect packet once per transport session.
func (s *Socket) sendConnect(m *manager) {
	s.mu.Lock()
	if s.state != SocketConnecting || s.connectSent {
		s.mu.Unlock()
		return
	}
	s.connectSent = true
	s.mu.Unlock()

	s.connectAttempts.Add(1)
	m.opts.Metrics.ConnectAttempt(s.nsp)

	if err := m.send(transport.Packet{Type: transport.PacketConnect, Namespace: s.nsp}); err != nil {
		// The transport dropped between open and send; resent on the next open.
		s.mu.Lock()
		s.connectSent = false
		s.mu.Unlock()
		s.logger.Debug("connect packet not sent", "error", err)
	}
}

// handlePacket applies an inbound packet addressed to this namespace.
func (s *Socket) handlePacket(m *manager, pkt transport.Packet) {
	switch pkt.Type {
	case transport.PacketConnect:
		s.onConnect(m, pkt)
	case transport.PacketConnectError:
		s.onConnectError(pkt)
	case transport.PacketDisconnect:
		s.onServerDisconnect()
	case transport.PacketEvent:
		s.onEvent(m, pkt)
	case transport.PacketAck:
		s.onAck(pkt)
	}
}

func (s *Socket) onConnect(m *manager, pkt transport.Packet) {
	var payload transport.ConnectPayload
	if len(pkt.Data) > 0 {
		if err := json.Unmarshal(pkt.Data, &payload); err != nil {
			s.logger.Warn("bad connect payload", "error", err)
		}
	}

	s.mu.Lock()
	switch s.state {
	case SocketConnected:
		// A reconnect raced the first ack; the server holds the latest join.
		s.sid = payload.SID
		s.mu.Unlock()
		return
	case SocketDisconnected:
		s.mu.Unlock()
		// Disconnected while the server was accepting; leave again.
		if err := m.send(transport.Packet{Type: transport.PacketDisconnect, Namespace: s.nsp}); err != nil {
			s.logger.Debug("failed to send disconnect", "error", err)
		}
		return
	}
	s.state = SocketConnected
	s.sid = payload.SID
	s.stopTimerLocked()
	buffered := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	s.logger.Debug("socket connected", "sid", payload.SID)
	s.fire(Event{Name: EventConnect})

	for _, p := range buffered {
		if err := m.send(p); err != nil {
			s.logger.Warn("failed to flush buffered packet", "error", err)
		}
	}
}

func (s *Socket) onConnectError(pkt transport.Packet) {
	var payload transport.ErrorPayload
	if len(pkt.Data) > 0 {
		if err := json.Unmarshal(pkt.Data, &payload); err != nil {
			s.logger.Warn("bad connect_error payload", "error", err)
		}
	}

	s.mu.Lock()
	if s.state == SocketDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = SocketDisconnected
	s.connectSent = false
	s.stopTimerLocked()
	s.mu.Unlock()

	s.logger.Warn("namespace connect refused", "message", payload.Message)
	s.fire(Event{Name: EventConnectError, Err: &ConnectError{Namespace: s.nsp, Message: payload.Message}})
}

func (s *Socket) onServerDisconnect() {
	s.mu.Lock()
	wasConnected := s.state == SocketConnected
	s.state = SocketDisconnected
	s.sid = ""
	s.connectSent = false
	s.stopTimerLocked()
	s.mu.Unlock()

	s.failAcks(ErrNotConnected)
	if wasConnected {
		s.fire(Event{Name: EventDisconnect, Reason: ReasonServerDisconnect})
	}
}

func (s *Socket) onEvent(m *manager, pkt transport.Packet) {
	name, args, err := pkt.Event()
	if err != nil {
		s.logger.Warn("bad event packet", "error", err)
		return
	}
	if isReserved(name) {
		s.logger.Warn("peer emitted reserved event", "event", name)
		return
	}

	ev := Event{Name: name, Args: args}
	if pkt.ID > 0 {
		id := pkt.ID
		var once sync.Once
		ev.ack = func(args ...any) error {
			err := ErrAckSent
			once.Do(func() {
				var resp transport.Packet
				resp, err = transport.NewAckPacket(s.nsp, id, args...)
				if err == nil {
					err = m.send(resp)
				}
			})
			return err
		}
	}
	s.fire(ev)
}

func (s *Socket) onAck(pkt transport.Packet) {
	s.ackMu.Lock()
	ch, ok := s.acks[pkt.ID]
	s.ackMu.Unlock()
	if !ok {
		return
	}

	args, err := pkt.Args()
	if err != nil {
		s.logger.Warn("bad ack packet", "id", pkt.ID, "error", err)
		return
	}

	select {
	case ch <- ackResult{args: args}:
	default:
	}
}

// transportOpened resends the connect packet for a pending socket.
func (s *Socket) transportOpened(m *manager) {
	s.sendConnect(m)
}

// transportClosed moves the socket back to connecting (or disconnected when
// the transport will not retry). Sockets the caller disconnected stay put.
func (s *Socket) transportClosed(retrying bool) {
	s.mu.Lock()
	prev := s.state
	if prev == SocketDisconnected {
		s.mu.Unlock()
		return
	}
	s.sid = ""
	s.connectSent = false
	if retrying {
		s.state = SocketConnecting
	} else {
		s.state = SocketDisconnected
		s.stopTimerLocked()
	}
	s.mu.Unlock()

	if !retrying {
		s.failAcks(ErrNotConnected)
	}
	if prev == SocketConnected {
		s.fire(Event{Name: EventDisconnect, Reason: ReasonTransportClose})
	}
}

// transportFailed reports a failed connection attempt to a pending socket.
func (s *Socket) transportFailed(err error, retrying bool) {
	s.mu.Lock()
	if s.state != SocketConnecting {
		s.mu.Unlock()
		return
	}
	if !retrying {
		s.state = SocketDisconnected
		s.connectSent = false
		s.stopTimerLocked()
	}
	s.mu.Unlock()

	s.fire(Event{Name: EventConnectError, Err: err})
}

// teardown leaves the socket disconnected for good.
func (s *Socket) teardown(reason string, release bool) {
	s.mu.Lock()
	prev := s.state
	s.state = SocketDisconnected
	s.sid = ""
	s.connectSent = false
	s.buffer = nil
	s.released = s.released || release
	s.stopTimerLocked()
	s.mu.Unlock()

	s.failAcks(ErrNotConnected)

	if prev == SocketConnected {
		s.fire(Event{Name: EventDisconnect, Reason: reason})
	}
}
