package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/input/mllp"
	"github.com/dasjn/labbridge-fhir-hl7-app/output/fhirapi"
	"github.com/dasjn/labbridge-fhir-hl7-app/queue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LABBRIDGE"

// Config is the complete LabBridge configuration.
type Config struct {
	MLLP    mllp.Config    `yaml:"mllp"`
	NATS    NATSConfig     `yaml:"nats"`
	Queue   queue.Config   `yaml:"queue"`
	FHIR    fhirapi.Config `yaml:"fhir"`
	Audit   AuditConfig    `yaml:"audit"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Log     LogConfig      `yaml:"log"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `yaml:"urls"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// ConnectTimeout bounds each dial; DrainTimeout bounds shutdown.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Name     string `yaml:"name"`
}

// URL joins URLs for nats.Connect.
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	// Bucket is the NATS KV bucket for audit records. Empty disables it.
	Bucket   string        `yaml:"bucket"`
	History  int           `yaml:"history"`
	TTL      time.Duration `yaml:"ttl"`
	Replicas int           `yaml:"replicas"`

	// Log writes every record to the application log as well.
	Log bool `yaml:"log"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps Level to a slog.Level, defaulting to Info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MLLP: mllp.DefaultConfig(),
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			PingInterval:   30 * time.Second,
			DrainTimeout:   30 * time.Second,
			Name:           "labbridge",
		},
		Queue: queue.DefaultConfig(),
		FHIR:  fhirapi.DefaultConfig(),
		Audit: AuditConfig{
			Bucket:   "LABBRIDGE_AUDIT",
			History:  1,
			Replicas: 1,
			Log:      true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.MLLP.Validate(); err != nil {
		return fmt.Errorf("mllp: %w", err)
	}
	if len(c.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.urls is required")
	}
	if c.NATS.ConnectTimeout <= 0 || c.NATS.PingInterval <= 0 || c.NATS.DrainTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats connect_timeout, ping_interval and drain_timeout must be positive", errors.ErrInvalidConfig),
			"config", "Validate", "check nats timeouts")
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.FHIR.Validate(); err != nil {
		return fmt.Errorf("fhir: %w", err)
	}
	if c.Audit.Bucket != "" && !isValidBucketName(c.Audit.Bucket) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: audit.bucket %q must be alphanumeric with dashes or underscores", errors.ErrInvalidConfig, c.Audit.Bucket),
			"config", "Validate", "check audit bucket")
	}
	if c.Audit.TTL < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: audit.ttl cannot be negative", errors.ErrInvalidConfig),
			"config", "Validate", "check audit ttl")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: metrics.addr is required when metrics are enabled", errors.ErrMissingConfig),
			"config", "Validate", "check metrics")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: log.format %q must be json or text", errors.ErrInvalidConfig, c.Log.Format),
			"config", "Validate", "check log format")
	}
	return nil
}

// isValidBucketName checks a KV bucket name.
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from Default, applies each layer in order, then
// environment overrides. Only keys present in a layer change the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		// YAML is a superset of JSON, so both file types decode here.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Load", "decode "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	o := overrides{l: l}

	// MLLP
	o.int("MLLP_PORT", &cfg.MLLP.Port)
	o.str("MLLP_BIND", &cfg.MLLP.Bind)
	o.duration("MLLP_READ_TIMEOUT", &cfg.MLLP.ReadTimeout)
	o.duration("MLLP_WRITE_TIMEOUT", &cfg.MLLP.WriteTimeout)
	o.duration("MLLP_SHUTDOWN_GRACE", &cfg.MLLP.ShutdownGrace)
	o.int("MLLP_MAX_CONNECTIONS", &cfg.MLLP.MaxConnections)
	o.int("MLLP_MAX_FRAME_BYTES", &cfg.MLLP.MaxFrameBytes)
	o.boolean("MLLP_TLS_ENABLED", &cfg.MLLP.TLS.Enabled)
	o.str("MLLP_TLS_CERT_FILE", &cfg.MLLP.TLS.CertFile)
	o.str("MLLP_TLS_KEY_FILE", &cfg.MLLP.TLS.KeyFile)
	o.list("MLLP_TLS_CLIENT_CA_FILES", &cfg.MLLP.TLS.ClientCAFiles)
	o.boolean("MLLP_TLS_REQUIRE_CLIENT_CERT", &cfg.MLLP.TLS.RequireClientCert)

	// NATS
	o.list("NATS_URLS", &cfg.NATS.URLs)
	o.str("NATS_USERNAME", &cfg.NATS.Username)
	o.str("NATS_PASSWORD", &cfg.NATS.Password)
	o.str("NATS_TOKEN", &cfg.NATS.Token)
	o.duration("NATS_CONNECT_TIMEOUT", &cfg.NATS.ConnectTimeout)
	o.duration("NATS_DRAIN_TIMEOUT", &cfg.NATS.DrainTimeout)

	// Queue
	o.str("QUEUE_STREAM", &cfg.Queue.Stream)
	o.str("QUEUE_SUBJECT", &cfg.Queue.Subject)
	o.str("QUEUE_DLQ_STREAM", &cfg.Queue.DLQStream)
	o.str("QUEUE_DLQ_SUBJECT", &cfg.Queue.DLQSubject)
	o.str("QUEUE_CONSUMER", &cfg.Queue.Consumer)

	// FHIR
	o.str("FHIR_BASE_URL", &cfg.FHIR.BaseURL)
	o.duration("FHIR_TIMEOUT", &cfg.FHIR.Timeout)
	o.int("FHIR_MAX_RETRIES", &cfg.FHIR.MaxRetries)
	o.int("FHIR_FAILURE_THRESHOLD", &cfg.FHIR.FailureThreshold)
	o.duration("FHIR_BREAK_DURATION", &cfg.FHIR.BreakDuration)
	o.list("FHIR_TLS_CA_FILES", &cfg.FHIR.TLS.CAFiles)
	o.str("FHIR_TLS_CERT_FILE", &cfg.FHIR.TLS.CertFile)
	o.str("FHIR_TLS_KEY_FILE", &cfg.FHIR.TLS.KeyFile)

	// Audit, metrics, logging
	o.str("AUDIT_BUCKET", &cfg.Audit.Bucket)
	o.boolean("AUDIT_LOG", &cfg.Audit.Log)
	o.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	o.str("METRICS_ADDR", &cfg.Metrics.Addr)
	o.str("LOG_LEVEL", &cfg.Log.Level)
	o.str("LOG_FORMAT", &cfg.Log.Format)

	return o.err
}

// overrides reads prefixed variables and keeps the first error.
type overrides struct {
	l   *Loader
	err error
}

func (o *overrides) get(key string) string {
	name := o.l.envPrefix + "_" + key
	val := o.l.getenv(name)
	if err := checkEnv(name, val); err != nil {
		o.fail(name, err)
		return ""
	}
	return val
}

func (o *overrides) fail(name string, err error) {
	if o.err == nil {
		o.err = errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, name, err),
			"config", "applyEnvOverrides", "read environment")
	}
}

func (o *overrides) list(key string, dst *[]string) {
	if val := o.get(key); val != "" {
		*dst = splitList(val)
	}
}

func (o *overrides) str(key string, dst *string) {
	if val := o.get(key); val != "" {
		*dst = val
	}
}

func (o *overrides) int(key string, dst *int) {
	val := o.get(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		o.fail(o.l.envPrefix+"_"+key, err)
		return
	}
	*dst = n
}

func (o *overrides) duration(key string, dst *time.Duration) {
	val := o.get(key)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		o.fail(o.l.envPrefix+"_"+key, err)
		return
	}
	*dst = d
}

func (o *overrides) boolean(key string, dst *bool) {
	val := o.get(key)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		o.fail(o.l.envPrefix+"_"+key, err)
		return
	}
	*dst = b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String renders the config as YAML with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.NATS.Password = mask(masked.NATS.Password)
	masked.NATS.Token = mask(masked.NATS.Token)
	if len(c.FHIR.Headers) > 0 {
		masked.FHIR.Headers = make(map[string]string, len(c.FHIR.Headers))
		for k := range c.FHIR.Headers {
			masked.FHIR.Headers[k] = "****"
		}
	}
	data, _ := yaml.Marshal(&masked)
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
