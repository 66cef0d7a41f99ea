// Package fhirapi submits FHIR resources to a remote server.
//
// Every create call runs inside a retry loop (3 retries at 2s, 4s and 8s by
// default) wrapping a circuit breaker shared by all resource types. 5xx, 408
// and 429 responses and network errors are retried. Only 5xx, 408 and
// network errors count toward opening the circuit. Other 4xx responses fail
// immediately. While the circuit is open calls fail fast with
// errors.ErrCircuitOpen and are not retried.
//
// Callers that need to know how many retries a unit of work consumed attach
// a counter to the context:
//
//	ctx, retries := fhirapi.WithRetryCounter(ctx)
//	patient, err := client.CreatePatient(ctx, p)
//	log.Println(retries.Count())
package fhirapi
