// Package config loads client settings from YAML.
//
// Example:
//
//	device: /dev/rfcomm0
//	baud_rate: 115200
//	request_timeout: 5s
//	capture_file: /tmp/watch.plog
//	log_level: debug
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/pebble-protocol/pebble-go/pkg/log"
	"github.com/pebble-protocol/pebble-go/pkg/protocol"
	"github.com/pebble-protocol/pebble-go/pkg/transport"
)

// Config is the file format.
type Config struct {
	// Device is the serial port path.
	Device string `yaml:"device"`

	// BaudRate defaults to transport.DefaultBaudRate.
	BaudRate int `yaml:"baud_rate,omitempty"`

	// RequestTimeout bounds synchronous requests; zero waits indefinitely.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// IdleDelay is the pause after an empty read.
	IdleDelay time.Duration `yaml:"idle_delay,omitempty"`

	// CaptureFile receives CBOR capture events when set.
	CaptureFile string `yaml:"capture_file,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// LoadError describes a configuration that could not be loaded.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File != "" {
		return e.File + ": " + msg
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Validation errors.
var (
	ErrNoDevice        = errors.New("device is required")
	ErrInvalidBaudRate = errors.New("baud_rate must be positive")
	ErrNegativeTimeout = errors.New("durations must not be negative")
	ErrInvalidLogLevel = errors.New("unknown log_level")
)

// Parse decodes and validates YAML data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{
			Message: "failed to parse YAML",
			Cause:   err,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{
			Message: "invalid configuration",
			Cause:   err,
		}
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{
			File:    path,
			Message: "failed to read file",
			Cause:   err,
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Device) == "" {
		err = multierr.Append(err, ErrNoDevice)
	}
	if c.BaudRate < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: %d", ErrInvalidBaudRate, c.BaudRate))
	}
	if c.RequestTimeout < 0 || c.IdleDelay < 0 {
		err = multierr.Append(err, ErrNegativeTimeout)
	}
	if _, lerr := parseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	return err
}

// SlogLevel returns the configured log level (info when unset).
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, s)
	}
}

// SerialConfig returns the serial line settings.
func (c *Config) SerialConfig() transport.SerialConfig {
	return transport.SerialConfig{
		Device:   c.Device,
		BaudRate: c.BaudRate,
	}
}

// Opener returns a serial opener for the configured device.
func (c *Config) Opener() transport.Opener {
	return transport.Serial(c.SerialConfig())
}

// OpenCapture opens the capture file. It returns nil when none is configured.
// The caller closes the returned logger.
func (c *Config) OpenCapture() (*log.FileLogger, error) {
	if c.CaptureFile == "" {
		return nil, nil
	}
	fl, err := log.NewFileLogger(c.CaptureFile)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return fl, nil
}

// ProtocolOptions maps the configuration onto protocol options.
// capture may be nil.
func (c *Config) ProtocolOptions(logger *slog.Logger, capture log.Logger) []protocol.Option {
	opts := []protocol.Option{
		protocol.WithLogger(logger),
		protocol.WithTarget(c.Device),
		protocol.WithRequestTimeout(c.RequestTimeout),
	}
	if c.IdleDelay > 0 {
		opts = append(opts, protocol.WithIdleDelay(c.IdleDelay))
	}
	if capture != nil {
		opts = append(opts, protocol.WithProtocolLogger(capture))
	}
	return opts
}
