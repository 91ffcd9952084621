// Package config loads the sockmux YAML configuration.
package config

import (
	"time"

	"github.com/rickgao/sockmux/internal/connection"
)

// SockmuxConfig is the root configuration of the sockmux client binary.
type SockmuxConfig struct {
	Instance   InstanceConfig    `yaml:"instance"`
	Endpoint   EndpointConfig    `yaml:"endpoint"`
	Namespaces []NamespaceConfig `yaml:"namespaces"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// InstanceConfig identifies the running process.
type InstanceConfig struct {
	ID       string `yaml:"id"`
	LogLevel string `yaml:"log_level"`
}

// EndpointConfig describes the server and the manager options.
// Pointer fields distinguish "unset" from an explicit false or zero.
type EndpointConfig struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`

	AutoConnect *bool `yaml:"auto_connect"`
	ForceNew    bool  `yaml:"force_new"`
	Multiplex   *bool `yaml:"multiplex"`

	Timeout              time.Duration `yaml:"timeout"`
	Reconnection         *bool         `yaml:"reconnection"`
	ReconnectionAttempts int           `yaml:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `yaml:"reconnection_delay"`
	ReconnectionDelayMax time.Duration `yaml:"reconnection_delay_max"`
	RandomizationFactor  *float64      `yaml:"randomization_factor"`

	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`
}

// NamespaceConfig is one namespace the client joins.
type NamespaceConfig struct {
	Name string `yaml:"name"`

	// Heartbeat emits a "ping" event with ack at this interval (0 disables).
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// MetricsConfig configures the health and metrics HTTP server.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Options converts the endpoint section into manager options. Call it on a
// config that went through applyDefaults.
func (c *SockmuxConfig) Options() connection.Options {
	e := c.Endpoint
	opts := connection.DefaultOptions()

	opts.Path = e.Path
	opts.ForceNew = e.ForceNew
	opts.Timeout = e.Timeout
	opts.ReconnectionAttempts = e.ReconnectionAttempts
	opts.ReconnectionDelay = e.ReconnectionDelay
	opts.ReconnectionDelayMax = e.ReconnectionDelayMax
	if e.AutoConnect != nil {
		opts.AutoConnect = *e.AutoConnect
	}
	if e.Multiplex != nil {
		opts.Multiplex = *e.Multiplex
	}
	if e.Reconnection != nil {
		opts.Reconnection = *e.Reconnection
	}
	if e.RandomizationFactor != nil {
		opts.RandomizationFactor = *e.RandomizationFactor
	}

	if len(e.Query) > 0 {
		opts.Query = make(map[string][]string, len(e.Query))
		for k, v := range e.Query {
			opts.Query.Set(k, v)
		}
	}
	if len(e.Headers) > 0 {
		opts.Header = make(map[string][]string, len(e.Headers))
		for k, v := range e.Headers {
			opts.Header.Set(k, v)
		}
	}
	return opts
}
