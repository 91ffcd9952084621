package server

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sockmux/internal/transport"
)

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/socket.io/?token=abc", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, p transport.Packet) {
	t.Helper()
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) transport.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, err := transport.DecodePacket(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return p
}

func connect(t *testing.T, conn *websocket.Conn, nsp string) transport.Packet {
	t.Helper()
	write(t, conn, transport.Packet{Type: transport.PacketConnect, Namespace: nsp})
	return read(t, conn)
}

func TestServer_Connect(t *testing.T) {
	srv := NewServer(Config{}, nil)
	joined := make(chan string, 1)
	srv.Of("/chat").OnConnect(func(s *Socket) { joined <- s.Query().Get("token") })

	conn := dial(t, srv)
	p := connect(t, conn, "/chat")

	if p.Type != transport.PacketConnect || p.Namespace != "/chat" {
		t.Fatalf("reply = %+v, want connect on /chat", p)
	}
	var payload transport.ConnectPayload
	if err := json.Unmarshal(p.Data, &payload); err != nil || payload.SID == "" {
		t.Errorf("connect payload = %s", p.Data)
	}

	select {
	case token := <-joined:
		if token != "abc" {
			t.Errorf("query token = %q, want abc", token)
		}
	case <-time.After(time.Second):
		t.Fatal("OnConnect not called")
	}
	if got := srv.ConnectCount("/chat"); got != 1 {
		t.Errorf("ConnectCount = %d, want 1", got)
	}
	if got := srv.Connections(); got != 1 {
		t.Errorf("Connections = %d, want 1", got)
	}
}

func TestServer_UnknownNamespace(t *testing.T) {
	srv := NewServer(Config{}, nil)
	conn := dial(t, srv)

	p := connect(t, conn, "/missing")
	if p.Type != transport.PacketConnectError {
		t.Fatalf("reply type = %s, want connect_error", p.Type)
	}
	var payload transport.ErrorPayload
	json.Unmarshal(p.Data, &payload)
	if payload.Message != ErrInvalidNamespace.Error() {
		t.Errorf("message = %q, want %q", payload.Message, ErrInvalidNamespace.Error())
	}
	if got := srv.ConnectCount("/missing"); got != 1 {
		t.Errorf("rejected connects should still be counted, got %d", got)
	}
}

func TestServer_DynamicNamespaceAndMiddleware(t *testing.T) {
	srv := NewServer(Config{
		DynamicNamespaces: true,
		Setup: func(ns *Namespace) {
			if ns.Name() == "/private" {
				ns.Use(func(*Socket) error { return errors.New("forbidden") })
			}
		},
	}, nil)
	conn := dial(t, srv)

	if p := connect(t, conn, "/anything"); p.Type != transport.PacketConnect {
		t.Errorf("dynamic namespace reply = %s, want connect", p.Type)
	}

	p := connect(t, conn, "/private")
	if p.Type != transport.PacketConnectError {
		t.Fatalf("private reply = %s, want connect_error", p.Type)
	}
	var payload transport.ErrorPayload
	json.Unmarshal(p.Data, &payload)
	if payload.Message != "forbidden" {
		t.Errorf("message = %q, want forbidden", payload.Message)
	}
}

func TestServer_EventAck(t *testing.T) {
	srv := NewServer(Config{}, nil)
	srv.Of("/math").On("add", func(s *Socket, args []json.RawMessage, ack func(...any) error) {
		var a, b int
		json.Unmarshal(args[0], &a)
		json.Unmarshal(args[1], &b)
		ack(a + b)
		if err := ack(0); !errors.Is(err, ErrAckSent) {
			t.Errorf("second ack = %v, want ErrAckSent", err)
		}
	})
	conn := dial(t, srv)
	connect(t, conn, "/math")

	pkt, _ := transport.NewEventPacket("/math", "add", 9, 2, 3)
	write(t, conn, pkt)

	p := read(t, conn)
	if p.Type != transport.PacketAck || p.ID != 9 {
		t.Fatalf("reply = %+v, want ack 9", p)
	}
	args, _ := p.Args()
	var sum int
	json.Unmarshal(args[0], &sum)
	if sum != 5 {
		t.Errorf("sum = %d, want 5", sum)
	}
}

func TestServer_OnAnyGetsEventName(t *testing.T) {
	srv := NewServer(Config{}, nil)
	names := make(chan string, 1)
	srv.Of("/").OnAny(func(s *Socket, args []json.RawMessage, ack func(...any) error) {
		var name string
		json.Unmarshal(args[0], &name)
		names <- name
	})
	conn := dial(t, srv)
	connect(t, conn, "/")

	pkt, _ := transport.NewEventPacket("/", "hello", 0)
	write(t, conn, pkt)

	select {
	case name := <-names:
		if name != "hello" {
			t.Errorf("name = %q, want hello", name)
		}
	case <-time.After(time.Second):
		t.Fatal("OnAny not called")
	}
}

func TestServer_ClientDisconnectAndDrop(t *testing.T) {
	srv := NewServer(Config{}, nil)
	reasons := make(chan string, 4)
	ns := srv.Of("/room")
	ns.OnDisconnect(func(_ *Socket, reason string) { reasons <- reason })

	conn := dial(t, srv)
	connect(t, conn, "/room")
	write(t, conn, transport.Packet{Type: transport.PacketDisconnect, Namespace: "/room"})

	select {
	case r := <-reasons:
		if r != "client namespace disconnect" {
			t.Errorf("reason = %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called")
	}

	connect(t, conn, "/room")
	srv.DropAll()

	select {
	case r := <-reasons:
		if r != "transport close" {
			t.Errorf("reason = %q, want transport close", r)
		}
	case <-time.After(time.Second):
		t.Fatal("drop not reported")
	}

	deadline := time.Now().Add(time.Second)
	for srv.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not removed after drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
