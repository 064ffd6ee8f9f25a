package protocol

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pebble-protocol/pebble-go/pkg/event"
	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// DefaultIdleDelay is how long the receive loop waits after a read that
// returned no data.
const DefaultIdleDelay = 15 * time.Millisecond

// Config holds Protocol settings. Use the With* options to change them.
type Config struct {
	// Logger receives operational logs. nil disables them.
	Logger *slog.Logger

	// ProtocolLogger receives capture events (frames, state, requests).
	ProtocolLogger log.Logger

	// Decoders maps endpoints to event decoders.
	// A fresh empty table is used when nil.
	Decoders *event.Decoders

	// RequestTimeout bounds how long Request waits. Zero waits until the
	// response, the caller's context or the end of the session.
	RequestTimeout time.Duration

	// IdleDelay is the pause after an empty read.
	IdleDelay time.Duration

	// Registerer receives the Prometheus collectors. nil disables metrics.
	Registerer prometheus.Registerer

	// OnStateChange is called on every state transition. It runs on the
	// goroutine that caused the transition and must not call Connect or
	// Disconnect.
	OnStateChange func(from, to State)

	// Target names the transport in logs when the opener does not.
	Target string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IdleDelay: DefaultIdleDelay,
	}
}

// Option configures a Protocol.
type Option func(*Config)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithProtocolLogger sets the capture logger.
func WithProtocolLogger(logger log.Logger) Option {
	return func(c *Config) {
		c.ProtocolLogger = logger
	}
}

// WithDecoders sets the event decoder table.
func WithDecoders(d *event.Decoders) Option {
	return func(c *Config) {
		c.Decoders = d
	}
}

// WithRequestTimeout bounds synchronous requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithIdleDelay sets the pause after an empty read.
func WithIdleDelay(d time.Duration) Option {
	return func(c *Config) {
		c.IdleDelay = d
	}
}

// WithMetrics registers Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = reg
	}
}

// WithStateHandler sets the state transition callback.
func WithStateHandler(fn func(from, to State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithTarget names the transport in logs.
func WithTarget(target string) Option {
	return func(c *Config) {
		c.Target = target
	}
}
