package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/sockmux/internal/transport"
)

// conn is one accepted WebSocket connection carrying many namespaces.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	req    *http.Request
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	sockets map[string]*Socket // nsp -> socket

	ackMu sync.Mutex
	acks  map[int64]chan []json.RawMessage
	ackID atomic.Int64
}

// Socket is the server side of one namespace on one connection.
type Socket struct {
	id string
	ns *Namespace
	c  *conn

	closed atomic.Bool
}

// ID returns the session id sent to the client on connect.
func (s *Socket) ID() string { return s.id }

// Namespace returns the namespace name.
func (s *Socket) Namespace() string { return s.ns.name }

// Query returns the query parameters of the WebSocket handshake.
func (s *Socket) Query() url.Values { return s.c.req.URL.Query() }

// Header returns the headers of the WebSocket handshake.
func (s *Socket) Header() http.Header { return s.c.req.Header }

// Emit sends an event to the client.
func (s *Socket) Emit(event string, args ...any) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	pkt, err := transport.NewEventPacket(s.ns.name, event, 0, args...)
	if err != nil {
		return err
	}
	return s.c.send(pkt)
}

// EmitWithAck sends an event and waits for the client's acknowledgement.
func (s *Socket) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrSocketClosed
	}

	id := s.c.ackID.Add(1)
	ch := make(chan []json.RawMessage, 1)

	s.c.ackMu.Lock()
	s.c.acks[id] = ch
	s.c.ackMu.Unlock()

	defer func() {
		s.c.ackMu.Lock()
		delete(s.c.acks, id)
		s.c.ackMu.Unlock()
	}()

	pkt, err := transport.NewEventPacket(s.ns.name, event, id, args...)
	if err != nil {
		return nil, err
	}
	if err := s.c.send(pkt); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Disconnect removes the socket from its namespace and tells the client.
func (s *Socket) Disconnect() error {
	if !s.c.remove(s) {
		return nil
	}
	s.ns.disconnected(s, "server namespace disconnect")
	return s.c.send(transport.Packet{Type: transport.PacketDisconnect, Namespace: s.ns.name})
}

func (c *conn) send(p transport.Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) remove(s *Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.sockets[s.ns.name]; !ok || cur != s {
		return false
	}
	delete(c.sockets, s.ns.name)
	s.closed.Store(true)
	return true
}

// serve reads packets until the connection fails.
func (c *conn) serve() {
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeAll("transport close")
			return
		}

		pkt, err := transport.DecodePacket(data)
		if err != nil {
			c.logger.Warn("dropping malformed packet", "error", err)
			continue
		}

		switch pkt.Type {
		case transport.PacketConnect:
			c.handleConnect(pkt)
		case transport.PacketDisconnect:
			c.handleDisconnect(pkt)
		case transport.PacketEvent:
			c.handleEvent(pkt)
		case transport.PacketAck:
			c.handleAck(pkt)
		}
	}
}

func (c *conn) handleConnect(pkt transport.Packet) {
	c.srv.countConnect(pkt.Namespace)

	ns := c.srv.lookup(pkt.Namespace)
	if ns == nil {
		c.reject(pkt.Namespace, ErrInvalidNamespace)
		return
	}

	s := &Socket{id: uuid.NewString(), ns: ns, c: c}
	if err := ns.admit(s); err != nil {
		c.reject(pkt.Namespace, err)
		return
	}

	c.mu.Lock()
	if old, ok := c.sockets[ns.name]; ok {
		old.closed.Store(true)
	}
	c.sockets[ns.name] = s
	c.mu.Unlock()

	data, _ := json.Marshal(transport.ConnectPayload{SID: s.id})
	if err := c.send(transport.Packet{Type: transport.PacketConnect, Namespace: ns.name, Data: data}); err != nil {
		c.logger.Warn("failed to acknowledge connect", "nsp", ns.name, "error", err)
		return
	}

	c.logger.Debug("namespace connected", "nsp", ns.name, "sid", s.id)
	ns.connected(s)
}

func (c *conn) reject(nsp string, err error) {
	data, _ := json.Marshal(transport.ErrorPayload{Message: err.Error()})
	if sendErr := c.send(transport.Packet{Type: transport.PacketConnectError, Namespace: nsp, Data: data}); sendErr != nil {
		c.logger.Warn("failed to send connect_error", "nsp", nsp, "error", sendErr)
		return
	}
	c.logger.Debug("namespace rejected", "nsp", nsp, "error", err)
}

func (c *conn) handleDisconnect(pkt transport.Packet) {
	c.mu.Lock()
	s, ok := c.sockets[pkt.Namespace]
	if ok {
		delete(c.sockets, pkt.Namespace)
		s.closed.Store(true)
	}
	c.mu.Unlock()

	if ok {
		s.ns.disconnected(s, "client namespace disconnect")
	}
}

func (c *conn) handleEvent(pkt transport.Packet) {
	c.mu.Lock()
	s, ok := c.sockets[pkt.Namespace]
	c.mu.Unlock()
	if !ok {
		return
	}

	event, args, err := pkt.Event()
	if err != nil {
		c.logger.Warn("bad event packet", "nsp", pkt.Namespace, "error", err)
		return
	}

	var ack func(args ...any) error
	if pkt.ID > 0 {
		id := pkt.ID
		var once sync.Once
		ack = func(args ...any) error {
			err := ErrAckSent
			once.Do(func() {
				var resp transport.Packet
				resp, err = transport.NewAckPacket(s.ns.name, id, args...)
				if err == nil {
					err = c.send(resp)
				}
			})
			return err
		}
	}

	if !s.ns.dispatch(s, event, args, ack) {
		c.logger.Debug("no handler for event", "nsp", pkt.Namespace, "event", event)
	}
}

func (c *conn) handleAck(pkt transport.Packet) {
	c.ackMu.Lock()
	ch, ok := c.acks[pkt.ID]
	c.ackMu.Unlock()
	if !ok {
		return
	}

	args, err := pkt.Args()
	if err != nil {
		c.logger.Warn("bad ack packet", "id", pkt.ID, "error", err)
		return
	}

	select {
	case ch <- args:
	default:
	}
}

func (c *conn) closeAll(reason string) {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for nsp, s := range c.sockets {
		s.closed.Store(true)
		sockets = append(sockets, s)
		delete(c.sockets, nsp)
	}
	c.mu.Unlock()

	for _, s := range sockets {
		s.ns.disconnected(s, reason)
	}
}
