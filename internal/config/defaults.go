package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel             = "info"
	DefaultPath                 = "/socket.io/"
	DefaultTimeout              = 20 * time.Second
	DefaultReconnectionDelay    = 1 * time.Second
	DefaultReconnectionDelayMax = 5 * time.Second
	DefaultRandomizationFactor  = 0.5
	DefaultNamespace            = "/"
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *SockmuxConfig) applyDefaults() {
	if c.Instance.LogLevel == "" {
		c.Instance.LogLevel = DefaultLogLevel
	}

	// Endpoint defaults
	e := &c.Endpoint
	if e.Path == "" {
		e.Path = DefaultPath
	}
	if e.AutoConnect == nil {
		e.AutoConnect = ptr(true)
	}
	if e.Multiplex == nil {
		e.Multiplex = ptr(true)
	}
	if e.Reconnection == nil {
		e.Reconnection = ptr(true)
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	if e.ReconnectionDelay == 0 {
		e.ReconnectionDelay = DefaultReconnectionDelay
	}
	if e.ReconnectionDelayMax == 0 {
		e.ReconnectionDelayMax = DefaultReconnectionDelayMax
	}
	if e.RandomizationFactor == nil {
		e.RandomizationFactor = ptr(DefaultRandomizationFactor)
	}

	// Join the default namespace when none are listed
	if len(c.Namespaces) == 0 {
		c.Namespaces = []NamespaceConfig{{Name: DefaultNamespace}}
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func ptr[T any](v T) *T {
	return &v
}
