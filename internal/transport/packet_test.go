package transport

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "/", want: "/"},
		{in: "/chat", want: "/chat"},
		{in: "chat", want: "/chat"},
		{in: "/chat/", want: "/chat"},
		{in: "/admin/users", want: "/admin/users"},
		{in: "", wantErr: ErrEmptyNamespace},
		{in: "/ chat", wantErr: ErrInvalidNamespace},
		{in: "/chat\n", wantErr: ErrInvalidNamespace},
		{in: "/chat?x=1", wantErr: ErrInvalidNamespace},
		{in: "/chat#top", wantErr: ErrInvalidNamespace},
		{in: "//chat", wantErr: ErrInvalidNamespace},
		{in: "/a//b", wantErr: ErrInvalidNamespace},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNamespace(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseNamespace(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNamespace(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseNamespace(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEventPacket(t *testing.T) {
	pkt, err := NewEventPacket("/chat", "message", 7, "hello", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("NewEventPacket failed: %v", err)
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `{"type":"event","nsp":"/chat","id":7,"data":["message","hello",{"n":1}]}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}

	decoded, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	name, args, err := decoded.Event()
	if err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if name != "message" {
		t.Errorf("name = %q, want message", name)
	}
	if len(args) != 2 {
		t.Fatalf("len(args) = %d, want 2", len(args))
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err != nil || s != "hello" {
		t.Errorf("args[0] = %s, want \"hello\"", args[0])
	}
}

func TestAckPacketWithoutArgs(t *testing.T) {
	pkt, err := NewAckPacket("/", 3)
	if err != nil {
		t.Fatalf("NewAckPacket failed: %v", err)
	}
	if string(pkt.Data) != "[]" {
		t.Errorf("Data = %s, want []", pkt.Data)
	}
	args, err := pkt.Args()
	if err != nil {
		t.Fatalf("Args failed: %v", err)
	}
	if len(args) != 0 {
		t.Errorf("len(args) = %d, want 0", len(args))
	}
}

func TestDecodePacket(t *testing.T) {
	t.Run("default namespace", func(t *testing.T) {
		p, err := DecodePacket([]byte(`{"type":"connect","data":{"sid":"abc"}}`))
		if err != nil {
			t.Fatalf("DecodePacket failed: %v", err)
		}
		if p.Namespace != "/" {
			t.Errorf("Namespace = %q, want /", p.Namespace)
		}
		var payload ConnectPayload
		if err := json.Unmarshal(p.Data, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload.SID != "abc" {
			t.Errorf("SID = %q, want abc", payload.SID)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodePacket([]byte(`{"type":"binary_event","nsp":"/"}`))
		if !errors.Is(err, ErrUnknownPacket) {
			t.Errorf("error = %v, want ErrUnknownPacket", err)
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := DecodePacket([]byte(`3pong`)); err == nil {
			t.Error("expected error for non-JSON frame")
		}
	})
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Packet{Type: "noop", Namespace: "/"}.Encode()
	if !errors.Is(err, ErrUnknownPacket) {
		t.Errorf("error = %v, want ErrUnknownPacket", err)
	}
}

func TestEventWithoutName(t *testing.T) {
	p := Packet{Type: PacketEvent, Namespace: "/", Data: json.RawMessage(`[]`)}
	if _, _, err := p.Event(); err == nil {
		t.Error("expected error for event without name")
	}

	p.Data = json.RawMessage(`{"not":"array"}`)
	if _, _, err := p.Event(); err == nil {
		t.Error("expected error for non-array data")
	}
}
