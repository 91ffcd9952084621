package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// PacketType identifies a namespace packet.
type PacketType string

const (
	PacketConnect      PacketType = "connect"
	PacketDisconnect   PacketType = "disconnect"
	PacketEvent        PacketType = "event"
	PacketAck          PacketType = "ack"
	PacketConnectError PacketType = "connect_error"
)

// Packet is one frame on the wire, scoped to a namespace.
type Packet struct {
	Type      PacketType      `json:"type"`
	Namespace string          `json:"nsp"`
	ID        int64           `json:"id,omitempty"` // Ack correlation (0 = no ack)
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectPayload is the data of a server connect acknowledgement.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// ErrorPayload is the data of a connect_error packet.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode serializes the packet for a WebSocket text message.
func (p Packet) Encode() ([]byte, error) {
	if !p.Type.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, p.Type)
	}
	return json.Marshal(p)
}

// DecodePacket parses a WebSocket text message into a packet.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	if !p.Type.valid() {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownPacket, p.Type)
	}
	if p.Namespace == "" {
		p.Namespace = "/"
	}
	return p, nil
}

func (t PacketType) valid() bool {
	switch t {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
		return true
	}
	return false
}

// NewEventPacket builds an event packet whose data is [event, args...].
func NewEventPacket(nsp, event string, id int64, args ...any) (Packet, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, event)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("encode event %q: %w", event, err)
	}
	return Packet{Type: PacketEvent, Namespace: nsp, ID: id, Data: data}, nil
}

// NewAckPacket builds an ack packet answering the event with the given id.
func NewAckPacket(nsp string, id int64, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("encode ack %d: %w", id, err)
	}
	return Packet{Type: PacketAck, Namespace: nsp, ID: id, Data: data}, nil
}

// Event splits an event packet into its name and raw arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	args, err := p.Args()
	if err != nil {
		return "", nil, err
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("event packet without name")
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	return name, args[1:], nil
}

// Args returns the packet data as a list of raw JSON values.
func (p Packet) Args() ([]json.RawMessage, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, fmt.Errorf("packet data is not an array: %w", err)
	}
	return args, nil
}

// ParseNamespace normalizes a namespace name. A missing leading slash is
// added and a trailing slash is dropped, so "chat", "/chat" and "/chat/"
// all resolve to "/chat".
func ParseNamespace(nsp string) (string, error) {
	if nsp == "" {
		return "", ErrEmptyNamespace
	}
	for _, r := range nsp {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '?' || r == '#' {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidNamespace, nsp, r)
		}
	}

	if !strings.HasPrefix(nsp, "/") {
		nsp = "/" + nsp
	}
	if strings.Contains(nsp, "//") {
		return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidNamespace, nsp)
	}
	if len(nsp) > 1 {
		nsp = strings.TrimSuffix(nsp, "/")
	}
	return nsp, nil
}
