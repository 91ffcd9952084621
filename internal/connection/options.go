package connection

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/sockmux/internal/metrics"
	"github.com/rickgao/sockmux/internal/transport"
)

// Options configures a manager. AutoConnect is fixed for the manager's
// lifetime.
type Options struct {
	AutoConnect bool // Start connecting sockets as soon as they are created
	ForceNew    bool // Registry: never reuse a cached manager
	Multiplex   bool // Registry: share one manager per endpoint

	Timeout              time.Duration // Connect timeout (0 disables connect_timeout)
	Reconnection         bool
	ReconnectionAttempts int // 0 = unlimited
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	RandomizationFactor  float64

	Path   string      // Endpoint path for the transport
	Query  url.Values  // Connection query parameters
	Header http.Header // Extra handshake headers

	Metrics *metrics.Metrics
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	tc := transport.DefaultConfig()
	return Options{
		AutoConnect:          true,
		Multiplex:            true,
		Timeout:              tc.Timeout,
		Reconnection:         tc.Reconnection,
		ReconnectionDelay:    tc.ReconnectionDelay,
		ReconnectionDelayMax: tc.ReconnectionDelayMax,
		RandomizationFactor:  tc.RandomizationFactor,
		Path:                 "/socket.io/",
	}
}

// transportConfig builds the engine config for the given base URL.
func (o Options) transportConfig(base *url.URL) transport.Config {
	u := *base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if o.Path != "" {
		u.Path = o.Path
	}

	q := u.Query()
	for k, vs := range o.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	cfg := transport.DefaultConfig()
	cfg.URL = u.String()
	cfg.Header = o.Header
	cfg.Timeout = o.Timeout
	cfg.Reconnection = o.Reconnection
	cfg.ReconnectionAttempts = o.ReconnectionAttempts
	cfg.ReconnectionDelay = o.ReconnectionDelay
	cfg.ReconnectionDelayMax = o.ReconnectionDelayMax
	cfg.RandomizationFactor = o.RandomizationFactor
	return cfg
}

// OptionsFromMap converts a host-style option bag (as passed by scripting
// callers) into Options. Durations are in milliseconds. Options the client
// does not support are logged and ignored.
func OptionsFromMap(in map[string]any, logger *slog.Logger) (Options, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := DefaultOptions()
	for key, val := range in {
		var err error
		switch key {
		case "autoConnect":
			opts.AutoConnect, err = asBool(key, val)
		case "forceNew":
			opts.ForceNew, err = asBool(key, val)
		case "multiplex":
			opts.Multiplex, err = asBool(key, val)
		case "reconnection":
			opts.Reconnection, err = asBool(key, val)
		case "reconnectionAttempts":
			var n float64
			n, err = asNumber(key, val)
			opts.ReconnectionAttempts = int(n)
		case "reconnectionDelay":
			opts.ReconnectionDelay, err = asMillis(key, val)
		case "reconnectionDelayMax":
			opts.ReconnectionDelayMax, err = asMillis(key, val)
		case "timeout":
			opts.Timeout, err = asMillis(key, val)
		case "randomizationFactor":
			opts.RandomizationFactor, err = asNumber(key, val)
		case "path":
			opts.Path, err = asString(key, val)
		case "query":
			opts.Query, err = asQuery(key, val)
		case "extraHeaders":
			opts.Header, err = asHeader(key, val)
		case "transports", "upgrade", "rememberUpgrade", "parser":
			logger.Warn("option is not supported and will be ignored", "option", key)
		default:
			logger.Warn("unknown option ignored", "option", key)
		}
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("option %s: expected bool, got %T", key, v)
	}
	return b, nil
}

func asNumber(key string, v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("option %s: expected number, got %T", key, v)
}

func asMillis(key string, v any) (time.Duration, error) {
	ms, err := asNumber(key, v)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("option %s: must be >= 0, got %v", key, ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %s: expected string, got %T", key, v)
	}
	return s, nil
}

// asQuery accepts either a query string ("a=b&c=d") or a map of values.
func asQuery(key string, v any) (url.Values, error) {
	switch q := v.(type) {
	case string:
		vals, err := url.ParseQuery(strings.TrimPrefix(q, "?"))
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
		return vals, nil
	case map[string]any:
		vals := url.Values{}
		for k, item := range q {
			vals.Set(k, stringify(item))
		}
		return vals, nil
	case map[string]string:
		vals := url.Values{}
		for k, item := range q {
			vals.Set(k, item)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("option %s: expected string or map, got %T", key, v)
}

func asHeader(key string, v any) (http.Header, error) {
	h := http.Header{}
	switch m := v.(type) {
	case map[string]any:
		for k, item := range m {
			h.Set(k, stringify(item))
		}
	case map[string]string:
		for k, item := range m {
			h.Set(k, item)
		}
	default:
		return nil, fmt.Errorf("option %s: expected map, got %T", key, v)
	}
	return h, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return fmt.Sprint(v)
}
