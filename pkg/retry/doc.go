// Package retry runs an operation again after exponential backoff.
//
// Callers decide what is worth retrying either by wrapping an error with
// NonRetryable or by setting Config.Retryable. OnRetry observes each
// backoff; the FHIR client uses it to count retries for the audit trail.
//
//	id, err := retry.DoWithResult(ctx, retry.Submission(), func() (string, error) {
//		return client.post(ctx, "Patient", body)
//	})
//
// Submission waits 2s, 4s and 8s between its four attempts. Waits stop
// early when ctx is cancelled. There is no circuit breaker here; see
// pkg/breaker.
package retry
