package fhirapi

import (
	"fmt"
	"net/http"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Resource   string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("POST /%s: HTTP %d", e.Resource, e.StatusCode)
	}
	return fmt.Sprintf("POST /%s: HTTP %d: %s", e.Resource, e.StatusCode, e.Detail)
}

// Unwrap exposes the remote error class so callers can use errors.Is.
func (e *StatusError) Unwrap() []error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return []error{errors.ErrTransientRemote, errors.ErrRateLimited}
	case IsTransientStatus(e.StatusCode):
		return []error{errors.ErrTransientRemote}
	default:
		return []error{errors.ErrPermanentRemote}
	}
}

// IsTransientStatus reports whether a status code is worth retrying:
// any 5xx, 408 Request Timeout and 429 Too Many Requests.
func IsTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// countsAgainstCircuit reports whether err indicates the API itself is
// failing. Rate limiting and permanent rejections do not trip the breaker.
func countsAgainstCircuit(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusRequestTimeout
	}
	return errors.Is(err, errors.ErrTransientRemote)
}
