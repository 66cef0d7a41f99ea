package mllp

import (
	"fmt"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/frame"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/tlsutil"
)

// Config holds listener settings.
type Config struct {
	Port int    `json:"port" yaml:"port"`
	Bind string `json:"bind" yaml:"bind"`

	// ReadTimeout bounds the wait for the next byte on an open connection.
	// An idle connection is closed once it elapses.
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// PublishTimeout bounds a single enqueue. A message that cannot be
	// enqueued in time is answered with AE.
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`

	// ShutdownGrace is how long Stop waits for connection handlers before
	// closing their sockets.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`

	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	MaxFrameBytes  int `json:"max_frame_bytes" yaml:"max_frame_bytes"`

	// TLS wraps accepted connections (MLLP over TLS) when enabled.
	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns the standard MLLP port and timeouts.
func DefaultConfig() Config {
	return Config{
		Port:           2575,
		Bind:           "0.0.0.0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PublishTimeout: 5 * time.Second,
		ShutdownGrace:  10 * time.Second,
		MaxConnections: 256,
		MaxFrameBytes:  frame.DefaultLimits().MaxFrameBytes,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"mllp", "Validate", "check port")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: read and write timeouts must be positive", errors.ErrInvalidConfig),
			"mllp", "Validate", "check timeouts")
	}
	if c.MaxConnections < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: max_connections must be at least 1", errors.ErrInvalidConfig),
			"mllp", "Validate", "check connection limit")
	}
	if c.MaxFrameBytes < 64 {
		return errors.WrapInvalid(fmt.Errorf("%w: max_frame_bytes %d too small", errors.ErrInvalidConfig, c.MaxFrameBytes),
			"mllp", "Validate", "check frame limit")
	}
	return c.TLS.Validate()
}

func (c Config) address() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}
}
