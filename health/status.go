// Package health reports whether LabBridge's moving parts are usable.
package health

import (
	"regexp"
	"time"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// redactions are applied in order; URLs go first because they contain
// hosts, ports and paths.
var redactions = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']*[^\s"':,.]`), "[URL]"},
	{regexp.MustCompile(`(?i)\b(password|passwd|token|secret|authorization|key)\b\s*[:=]\s*[^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`\B/[\w.-]+(/[\w.-]+)*`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// FromError reports component as unhealthy with a sanitized err message,
// or healthy when err is nil.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "OK")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}

// sanitizeErrorMessage strips anything an unauthenticated /healthz
// caller should not learn about the deployment.
func sanitizeErrorMessage(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.with)
	}
	return msg
}
