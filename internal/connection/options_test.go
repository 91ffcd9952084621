package connection

import (
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if !opts.AutoConnect {
		t.Error("AutoConnect should default to true")
	}
	if !opts.Multiplex {
		t.Error("Multiplex should default to true")
	}
	if opts.ForceNew {
		t.Error("ForceNew should default to false")
	}
	if opts.Timeout != 20*time.Second {
		t.Errorf("Timeout = %v, want 20s", opts.Timeout)
	}
	if opts.ReconnectionDelay != time.Second || opts.ReconnectionDelayMax != 5*time.Second {
		t.Errorf("delays = %v/%v, want 1s/5s", opts.ReconnectionDelay, opts.ReconnectionDelayMax)
	}
	if opts.Path != "/socket.io/" {
		t.Errorf("Path = %q, want /socket.io/", opts.Path)
	}
}

func TestOptions_TransportConfig(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"http://localhost:3000", "ws://localhost:3000/socket.io/?v=1"},
		{"https://example.com", "wss://example.com/socket.io/?v=1"},
		{"ws://example.com/ignored", "ws://example.com/socket.io/?v=1"},
	}

	opts := DefaultOptions()
	opts.Query = url.Values{"v": {"1"}}
	opts.ReconnectionAttempts = 3

	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		cfg := opts.transportConfig(u)
		if cfg.URL != tt.want {
			t.Errorf("transportConfig(%q).URL = %q, want %q", tt.raw, cfg.URL, tt.want)
		}
		if cfg.ReconnectionAttempts != 3 {
			t.Errorf("ReconnectionAttempts = %d, want 3", cfg.ReconnectionAttempts)
		}
	}
}

func TestOptionsFromMap(t *testing.T) {
	opts, err := OptionsFromMap(map[string]any{
		"autoConnect":          false,
		"forceNew":             true,
		"multiplex":            false,
		"reconnection":         false,
		"reconnectionAttempts": 5,
		"reconnectionDelay":    250,
		"reconnectionDelayMax": 2000.0,
		"timeout":              int64(1500),
		"randomizationFactor":  0.25,
		"path":                 "/ws",
		"query":                map[string]any{"token": "abc", "n": 2.0},
		"extraHeaders":         map[string]string{"Authorization": "Bearer x"},
	}, nil)
	if err != nil {
		t.Fatalf("OptionsFromMap failed: %v", err)
	}

	if opts.AutoConnect || !opts.ForceNew || opts.Multiplex || opts.Reconnection {
		t.Errorf("bool options not applied: %+v", opts)
	}
	if opts.ReconnectionAttempts != 5 {
		t.Errorf("ReconnectionAttempts = %d, want 5", opts.ReconnectionAttempts)
	}
	if opts.ReconnectionDelay != 250*time.Millisecond {
		t.Errorf("ReconnectionDelay = %v, want 250ms", opts.ReconnectionDelay)
	}
	if opts.ReconnectionDelayMax != 2*time.Second {
		t.Errorf("ReconnectionDelayMax = %v, want 2s", opts.ReconnectionDelayMax)
	}
	if opts.Timeout != 1500*time.Millisecond {
		t.Errorf("Timeout = %v, want 1.5s", opts.Timeout)
	}
	if opts.RandomizationFactor != 0.25 {
		t.Errorf("RandomizationFactor = %v, want 0.25", opts.RandomizationFactor)
	}
	if opts.Path != "/ws" {
		t.Errorf("Path = %q, want /ws", opts.Path)
	}
	if opts.Query.Get("token") != "abc" || opts.Query.Get("n") != "2" {
		t.Errorf("Query = %v", opts.Query)
	}
	if opts.Header.Get("Authorization") != "Bearer x" {
		t.Errorf("Header = %v", opts.Header)
	}
}

func TestOptionsFromMap_QueryString(t *testing.T) {
	opts, err := OptionsFromMap(map[string]any{"query": "?a=1&b=two"}, nil)
	if err != nil {
		t.Fatalf("OptionsFromMap failed: %v", err)
	}
	if opts.Query.Get("a") != "1" || opts.Query.Get("b") != "two" {
		t.Errorf("Query = %v", opts.Query)
	}
}

func TestOptionsFromMap_Unsupported(t *testing.T) {
	h := &recordHandler{}
	opts, err := OptionsFromMap(map[string]any{
		"transports": []string{"websocket"},
		"parser":     "custom",
		"bogus":      true,
	}, slog.New(h))
	if err != nil {
		t.Fatalf("OptionsFromMap failed: %v", err)
	}

	if got := h.count("option is not supported and will be ignored"); got != 2 {
		t.Errorf("unsupported warnings = %d, want 2", got)
	}
	if got := h.count("unknown option ignored"); got != 1 {
		t.Errorf("unknown warnings = %d, want 1", got)
	}
	if !opts.AutoConnect {
		t.Error("defaults should survive ignored options")
	}
}

func TestOptionsFromMap_TypeErrors(t *testing.T) {
	tests := map[string]any{
		"autoConnect":  "yes",
		"timeout":      "10s",
		"path":         42,
		"query":        []string{"a"},
		"extraHeaders": "X-A: b",
	}

	for key, val := range tests {
		_, err := OptionsFromMap(map[string]any{key: val}, nil)
		if err == nil {
			t.Errorf("%s=%v: expected error", key, val)
			continue
		}
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name option %s", err, key)
		}
	}

	if _, err := OptionsFromMap(map[string]any{"reconnectionDelay": -5}, nil); err == nil {
		t.Error("negative delay should fail")
	}
}
