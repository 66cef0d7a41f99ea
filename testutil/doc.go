// Package testutil provides fixtures and fakes shared by LabBridge tests.
//
// # HL7 Fixtures
//
// CBCMessage is a complete ORU^R01 with three numeric results and the
// control id CBCControlID. ORUMessage builds variants with chosen OBX
// lines; ADTMessage and NoHeaderMessage cover a non-ORU type and a
// message without MSH.
//
// # FHIR Server
//
// FHIRServer is an httptest server that accepts POST /{resourceType},
// assigns ids and records every request:
//
//	srv := testutil.NewFHIRServer(t)
//	srv.Script("Patient", http.StatusServiceUnavailable) // first call fails
//	// ... point the client at srv.URL ...
//	assert.Equal(t, 2, srv.Calls("Patient"))
//
// Scripted statuses are consumed one per request; once exhausted every
// request succeeds with 201 Created.
//
// # KV Store
//
// MockKVStore implements the create-once KV operations of
// natsclient.KVStore in memory, including natsclient.ErrKVKeyExists and
// natsclient.ErrKVKeyNotFound, so audit storage can be tested without a
// NATS server. Integration tests use natsclient.NewTestClient instead.
package testutil
