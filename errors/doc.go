// Package errors is the error taxonomy shared by LabBridge components.
//
// Every error is transient, invalid or fatal. Transient errors (a FHIR
// server answering 503, a dropped NATS connection) are worth retrying.
// Invalid errors (a malformed ORU^R01, a 422 from the FHIR server) fail
// the same way every time and send the message to the dead-letter queue.
// Fatal errors, mostly bad configuration, stop the process.
//
// A class is assigned explicitly when an error is wrapped:
//
//	errors.WrapTransient(err, "fhirapi", "post", "POST /Observation")
//	errors.WrapInvalid(err, "hl7", "Parse", "read MSH segment")
//	errors.WrapFatal(err, "metric", "Start", "listen")
//
// which produces "component.method: action failed: cause". Errors that
// were never wrapped this way are classified by the sentinel they carry,
// so errors.Is(err, errors.ErrCircuitOpen) and IsTransient(err) agree.
// Classify treats errors it knows nothing about as transient.
//
// Is, As, New and Join are re-exported so a file importing this package
// under the name errors needs no standard library import alongside it.
package errors
