package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/rickgao/sockmux/internal/transport"
)

// Validate checks that all required fields are set and values are valid.
func (c *SockmuxConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Instance.LogLevel)); err != nil {
		return fmt.Errorf("instance.log_level %q is not a valid level", c.Instance.LogLevel)
	}

	if err := c.Endpoint.validate("endpoint"); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Namespaces))
	for i, ns := range c.Namespaces {
		name, err := transport.ParseNamespace(ns.Name)
		if err != nil {
			return fmt.Errorf("namespaces[%d].name: %w", i, err)
		}
		if seen[name] {
			return fmt.Errorf("namespaces[%d].name %q is listed twice", i, name)
		}
		seen[name] = true
		if ns.Heartbeat < 0 {
			return fmt.Errorf("namespaces[%d].heartbeat must be >= 0", i)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (e *EndpointConfig) validate(prefix string) error {
	if e.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%s.url scheme must be ws, wss, http or https, got %q", prefix, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s.url must include a host", prefix)
	}

	if e.Timeout < 0 {
		return fmt.Errorf("%s.timeout must be >= 0", prefix)
	}
	if e.ReconnectionAttempts < 0 {
		return fmt.Errorf("%s.reconnection_attempts must be >= 0", prefix)
	}
	if e.ReconnectionDelay < 0 || e.ReconnectionDelayMax < 0 {
		return fmt.Errorf("%s.reconnection_delay must be >= 0", prefix)
	}
	if e.ReconnectionDelayMax < e.ReconnectionDelay {
		return fmt.Errorf("%s.reconnection_delay (%s) cannot exceed reconnection_delay_max (%s)",
			prefix, e.ReconnectionDelay, e.ReconnectionDelayMax)
	}
	if f := e.RandomizationFactor; f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("%s.randomization_factor must be between 0 and 1, got %v", prefix, *f)
	}
	return nil
}
