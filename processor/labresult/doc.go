// Package labresult is the processing orchestrator: it takes queued HL7
// messages, builds FHIR resources and submits them in dependency order.
//
// For each message:
//
//	parse -> transform -> Patient -> Observation (each, in order)
//	      -> DiagnosticReport (results relinked) -> audit success -> ack
//
// Observation and report subjects are rewritten to the server-assigned
// Patient id, and the report's placeholder results are replaced by the
// server-assigned Observation ids in construction order (see Relink).
//
// Any failure is audited with its Stage and returned as a *StageError, so
// the queue dead-letters the message. A message without a patient
// identifier fails at the transform stage with "no subject data" before
// anything is submitted. Audit write errors are logged and counted but
// never change whether a message is acknowledged.
package labresult
