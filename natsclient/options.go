package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
)

// ClientOption adjusts a Client before it connects.
type ClientOption func(*settings) error

type settings struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	dialTimeout   time.Duration
	drainTimeout  time.Duration

	user, pass, token string

	logger *slog.Logger

	registry     *metric.MetricsRegistry
	pollInterval time.Duration

	onDisconnect func(error)
	onReconnect  func()
}

func defaultSettings() settings {
	return settings{
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		dialTimeout:   5 * time.Second,
		drainTimeout:  30 * time.Second,
		logger:        slog.Default(),
		pollInterval:  15 * time.Second,
	}
}

// natsOptions translates the settings into nats.go options. Connection
// events are routed to c.
func (s *settings) natsOptions(c *Client, closed func()) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.PingInterval(s.pingInterval),
		nats.Timeout(s.dialTimeout),
		nats.DrainTimeout(s.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.lost(err) }),
		nats.ReconnectHandler(func(*nats.Conn) { c.regained() }),
		nats.ClosedHandler(func(*nats.Conn) { c.ended(); closed() }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				c.logger.Error("NATS async error", "subject", sub.Subject, "error", err)
				return
			}
			c.logger.Error("NATS async error", "error", err)
		}),
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.user != "":
		opts = append(opts, nats.UserInfo(s.user, s.pass))
	}
	return opts
}

func (s *settings) forgetSecrets() {
	s.user, s.pass, s.token = "", "", ""
}

// WithName sets the connection name shown by the NATS server monitor.
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithMaxReconnects limits reconnect attempts. Negative means forever.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("reconnect wait %v is negative", d)
		}
		s.reconnectWait = d
		return nil
	}
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("ping interval %v must be positive", d)
		}
		s.pingInterval = d
		return nil
	}
}

// WithTimeout bounds each dial attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout %v must be positive", d)
		}
		s.dialTimeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("drain timeout %v must be positive", d)
		}
		s.drainTimeout = d
		return nil
	}
}

// WithCredentials authenticates with a user and password. A token, if
// also given, takes precedence.
func WithCredentials(user, pass string) ClientOption {
	return func(s *settings) error {
		s.user, s.pass = user, pass
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithLogger sets the logger. Nil keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithDisconnectCallback is called, on its own goroutine, whenever the
// connection drops.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(s *settings) error {
		s.onDisconnect = fn
		return nil
	}
}

func WithReconnectCallback(fn func()) ClientOption {
	return func(s *settings) error {
		s.onReconnect = fn
		return nil
	}
}

// WithMetrics publishes connection state and the size of every stream and
// consumer handed to EnsureStream and TrackConsumer, polled every interval.
// A nil registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry, interval time.Duration) ClientOption {
	return func(s *settings) error {
		s.registry = registry
		if interval > 0 {
			s.pollInterval = interval
		}
		return nil
	}
}
