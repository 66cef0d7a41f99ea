package fhirapi

import (
	"net/url"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/tlsutil"
)

// Config holds the remote API endpoint and resilience policy.
type Config struct {
	BaseURL string            `json:"base_url" yaml:"base_url"`
	Timeout time.Duration     `json:"timeout"  yaml:"timeout"`
	Headers map[string]string `json:"headers"  yaml:"headers"`

	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"  yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"   yaml:"max_delay"`

	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	BreakDuration    time.Duration `json:"break_duration"    yaml:"break_duration"`

	// TLS customises trust and client certificates for https base URLs.
	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns 3 retries at 2s/4s/8s and a breaker that opens
// for 30s after 5 consecutive failures.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:5000",
		Timeout:          30 * time.Second,
		Headers:          map[string]string{},
		MaxRetries:       3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         8 * time.Second,
		FailureThreshold: 5,
		BreakDuration:    30 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "fhirapi.Config", "Validate", "base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WrapInvalid(err, "fhirapi.Config", "Validate", "parse base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "fhirapi.Config", "Validate", "base_url must be http or https")
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "fhirapi.Config", "Validate", "timeout cannot be negative")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "fhirapi.Config", "Validate", "max_retries must be between 0 and 10")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || (c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "fhirapi.Config", "Validate", "invalid backoff delays")
	}
	if c.FailureThreshold < 0 || c.BreakDuration < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "fhirapi.Config", "Validate", "invalid circuit breaker settings")
	}
	return c.TLS.Validate()
}
