package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/sockmux/internal/transport"
)

// Errors
var (
	ErrUnsupportedOperation = errors.New("operation not supported")
	ErrEmptyNamespace       = transport.ErrEmptyNamespace
	ErrInvalidNamespace     = transport.ErrInvalidNamespace
	ErrInvalidURL           = errors.New("invalid endpoint url")
	ErrReservedEvent        = errors.New("reserved event name")
	ErrNotConnected         = errors.New("socket not connected")
	ErrManagerGone          = errors.New("manager no longer exists")
	ErrReleased             = errors.New("socket released")
	ErrShutdown             = errors.New("manager shut down")
	ErrAckTimeout           = errors.New("ack not received")
	ErrNoAck                = errors.New("event did not request an ack")
	ErrAckSent              = errors.New("ack already sent")
)

// NamespaceError reports a namespace the transport cannot mint a socket for.
type NamespaceError struct {
	Namespace string
	Err       error
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("resolve namespace %q: %v", e.Namespace, e.Err)
}

func (e *NamespaceError) Unwrap() error { return e.Err }

// ConnectError carries the reason a namespace connect was refused.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s", e.Namespace, e.Message)
}

// SocketState is the per-namespace connection state.
type SocketState int32

const (
	SocketDisconnected SocketState = iota
	SocketConnecting
	SocketConnected
)

func (s SocketState) String() string {
	switch s {
	case SocketDisconnected:
		return "disconnected"
	case SocketConnecting:
		return "connecting"
	case SocketConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reserved event names. They are fired locally and cannot be emitted.
const (
	EventConnect        = "connect"
	EventConnectError   = "connect_error"
	EventConnectTimeout = "connect_timeout"
	EventDisconnect     = "disconnect"
)

// Disconnect reasons.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonShutdown         = "io client shutdown"
)

func isReserved(event string) bool {
	switch event {
	case EventConnect, EventConnectError, EventConnectTimeout, EventDisconnect:
		return true
	}
	return false
}

// Event is delivered to socket handlers.
type Event struct {
	Name   string
	Args   []json.RawMessage
	Reason string // disconnect only
	Err    error  // connect_error only

	ack func(args ...any) error
}

// Decode unmarshals argument i into v.
func (e Event) Decode(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("event %q has %d args, want index %d", e.Name, len(e.Args), i)
	}
	return json.Unmarshal(e.Args[i], v)
}

// WantsAck reports whether the sender asked for an acknowledgement.
func (e Event) WantsAck() bool {
	return e.ack != nil
}

// Ack answers the event. Only the first call is sent.
func (e Event) Ack(args ...any) error {
	if e.ack == nil {
		return ErrNoAck
	}
	return e.ack(args...)
}

// Handler handles a socket event.
type Handler func(Event)
