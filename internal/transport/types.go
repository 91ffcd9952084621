package transport

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrShutdown         = errors.New("transport shut down")
	ErrEmptyNamespace   = errors.New("namespace is empty")
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrUnknownPacket    = errors.New("unknown packet type")
	ErrReconnectFailed  = errors.New("reconnection attempts exhausted")
)

// State is the connectivity state of a Transport Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType identifies a connectivity event.
type EventType string

const (
	EventOpen             EventType = "open"
	EventClose            EventType = "close"
	EventError            EventType = "error"
	EventReconnectAttempt EventType = "reconnect_attempt"
	EventReconnect        EventType = "reconnect"
	EventReconnectFailed  EventType = "reconnect_failed"
)

// Event is emitted to subscribers whenever the connection changes state.
type Event struct {
	Type    EventType
	Attempt int    // reconnect attempt number (reconnect_* only)
	Reason  string // close reason (close only)
	Err     error  // underlying error (error, close, reconnect_failed)
}

// Frame wraps raw message data with receive timestamp.
type Frame struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL including connection query
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // Interval between keepalive pings
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures a Transport Connection.
type Config struct {
	URL    string
	Header http.Header

	Timeout              time.Duration // Dial timeout per attempt (0 = client handshake default)
	Reconnection         bool          // Reconnect automatically after failures
	ReconnectionAttempts int           // Max consecutive attempts (0 = unlimited)
	ReconnectionDelay    time.Duration // Base wait before the first retry
	ReconnectionDelayMax time.Duration // Upper bound for the wait
	RandomizationFactor  float64       // Jitter in [0, 1]

	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:              20 * time.Second,
		Reconnection:         true,
		ReconnectionDelay:    1 * time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		PingInterval:         25 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
	}
}

func (c Config) clientConfig() ClientConfig {
	cc := DefaultClientConfig()
	cc.URL = c.URL
	cc.Header = c.Header
	if c.Timeout > 0 {
		cc.HandshakeTimeout = c.Timeout
	}
	if c.PingInterval > 0 {
		cc.PingInterval = c.PingInterval
	}
	if c.PingTimeout > 0 {
		cc.PingTimeout = c.PingTimeout
	}
	if c.WriteTimeout > 0 {
		cc.WriteTimeout = c.WriteTimeout
	}
	if c.BufferSize > 0 {
		cc.BufferSize = c.BufferSize
	}
	return cc
}
