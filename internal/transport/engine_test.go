package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// eventRecorder collects engine events on a channel.
func eventRecorder(e *Engine) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	unsubscribe := e.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, unsubscribe
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", typ)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testEngineConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Timeout = time.Second
	cfg.ReconnectionDelay = 10 * time.Millisecond
	cfg.ReconnectionDelayMax = 20 * time.Millisecond
	cfg.RandomizationFactor = 0
	return cfg
}

func shutdownEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// echoServer writes every received frame back.
func echoServer(t *testing.T, accepted *atomic.Int64) *httptest.Server {
	return mockWSServer(t, func(conn *websocket.Conn) {
		if accepted != nil {
			accepted.Add(1)
		}
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
}

func TestEngine_OpenIsIdempotent(t *testing.T) {
	var accepted atomic.Int64
	server := echoServer(t, &accepted)
	defer server.Close()

	e := NewEngine(testEngineConfig(wsURL(server)), nil)
	defer shutdownEngine(t, e)
	events, _ := eventRecorder(e)

	if e.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", e.State())
	}

	e.Open()
	e.Open()
	waitEvent(t, events, EventOpen)
	e.Open()

	if e.State() != StateConnected {
		t.Errorf("state = %v, want connected", e.State())
	}
	if got := e.Dials(); got != 1 {
		t.Errorf("Dials() = %d, want 1", got)
	}
	waitFor(t, "server accept", func() bool { return accepted.Load() == 1 })
}

func TestEngine_SendAndReceive(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	e := NewEngine(testEngineConfig(wsURL(server)), nil)
	defer shutdownEngine(t, e)

	received := make(chan Packet, 1)
	e.SetHandler(func(p Packet) { received <- p })
	events, _ := eventRecorder(e)

	pkt, _ := NewEventPacket("/chat", "ping", 0, 1)
	if err := e.Send(pkt); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before open = %v, want ErrNotConnected", err)
	}

	e.Open()
	waitEvent(t, events, EventOpen)

	if err := e.Send(pkt); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Namespace != "/chat" || got.Type != PacketEvent {
			t.Errorf("received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for echoed packet")
	}
}

func TestEngine_Reconnects(t *testing.T) {
	var accepted atomic.Int64
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Drop the first connection, keep later ones
		if accepted.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	e := NewEngine(testEngineConfig(wsURL(server)), nil)
	defer shutdownEngine(t, e)
	events, _ := eventRecorder(e)

	e.Open()
	waitEvent(t, events, EventOpen)

	closed := waitEvent(t, events, EventClose)
	if closed.Reason == "" {
		t.Error("close event without reason")
	}
	waitEvent(t, events, EventReconnectAttempt)
	waitEvent(t, events, EventOpen)
	reconnected := waitEvent(t, events, EventReconnect)
	if reconnected.Attempt < 1 {
		t.Errorf("reconnect attempt = %d, want >= 1", reconnected.Attempt)
	}

	if e.State() != StateConnected {
		t.Errorf("state = %v, want connected", e.State())
	}
	if got := e.Dials(); got < 2 {
		t.Errorf("Dials() = %d, want >= 2", got)
	}
}

func TestEngine_ReconnectFailed(t *testing.T) {
	server := echoServer(t, nil)
	url := wsURL(server)
	server.Close()

	cfg := testEngineConfig(url)
	cfg.ReconnectionAttempts = 2

	e := NewEngine(cfg, nil)
	defer shutdownEngine(t, e)
	events, _ := eventRecorder(e)

	e.Open()
	waitEvent(t, events, EventError)
	failed := waitEvent(t, events, EventReconnectFailed)
	if !errors.Is(failed.Err, ErrReconnectFailed) {
		t.Errorf("reconnect_failed error = %v, want ErrReconnectFailed", failed.Err)
	}
	if failed.Attempt != 2 {
		t.Errorf("attempts = %d, want 2", failed.Attempt)
	}
	if e.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", e.State())
	}
	if got := e.Dials(); got != 3 {
		t.Errorf("Dials() = %d, want 3", got)
	}
}

func TestEngine_NoReconnection(t *testing.T) {
	server := echoServer(t, nil)
	url := wsURL(server)
	server.Close()

	cfg := testEngineConfig(url)
	cfg.Reconnection = false

	e := NewEngine(cfg, nil)
	defer shutdownEngine(t, e)
	events, _ := eventRecorder(e)

	e.Open()
	waitEvent(t, events, EventError)
	waitFor(t, "disconnected state", func() bool { return e.State() == StateDisconnected })

	if got := e.Dials(); got != 1 {
		t.Errorf("Dials() = %d, want 1", got)
	}
}

func TestEngine_Shutdown(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	e := NewEngine(testEngineConfig(wsURL(server)), nil)
	events, _ := eventRecorder(e)

	e.Open()
	waitEvent(t, events, EventOpen)
	shutdownEngine(t, e)

	if e.State() != StateDisconnected {
		t.Errorf("state after shutdown = %v, want disconnected", e.State())
	}

	e.Open()
	time.Sleep(20 * time.Millisecond)
	if e.State() != StateDisconnected {
		t.Errorf("Open after shutdown changed state to %v", e.State())
	}
	if got := e.Dials(); got != 1 {
		t.Errorf("Dials() = %d, want 1", got)
	}

	// Second shutdown is a no-op
	shutdownEngine(t, e)
}

func TestEngine_Unsubscribe(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	e := NewEngine(testEngineConfig(wsURL(server)), nil)
	defer shutdownEngine(t, e)

	var calls atomic.Int64
	unsubscribe := e.Subscribe(func(Event) { calls.Add(1) })
	unsubscribe()

	events, _ := eventRecorder(e)
	e.Open()
	waitEvent(t, events, EventOpen)

	if calls.Load() != 0 {
		t.Errorf("unsubscribed listener called %d times", calls.Load())
	}
}

func TestEngine_OpenFromErrorListener(t *testing.T) {
	server := echoServer(t, nil)
	url := wsURL(server)
	server.Close()

	cfg := testEngineConfig(url)
	cfg.Reconnection = false

	e := NewEngine(cfg, nil)
	defer shutdownEngine(t, e)

	var retried atomic.Bool
	e.Subscribe(func(ev Event) {
		if ev.Type != EventError {
			return
		}
		if e.State() != StateDisconnected {
			t.Errorf("state during error event = %v, want disconnected", e.State())
		}
		if retried.CompareAndSwap(false, true) {
			e.Open()
		}
	})

	e.Open()
	waitFor(t, "second dial", func() bool { return e.Dials() == 2 })
	waitFor(t, "disconnected state", func() bool { return e.State() == StateDisconnected })
}
