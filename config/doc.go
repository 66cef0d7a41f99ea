// Package config loads LabBridge configuration.
//
// Configuration starts from Default, is overlaid by zero or more YAML (or
// JSON) files in order, then by LABBRIDGE_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/labbridge/config.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// A minimal file only names what differs from the defaults:
//
//	mllp:
//	  port: 2575
//	nats:
//	  urls: ["nats://nats:4222"]
//	fhir:
//	  base_url: https://fhir.example.org/fhir
//	  timeout: 30s
//
// Durations use Go syntax ("30s", "5m").
//
// # Environment Overrides
//
//	LABBRIDGE_MLLP_PORT, LABBRIDGE_MLLP_BIND, LABBRIDGE_MLLP_READ_TIMEOUT,
//	LABBRIDGE_MLLP_WRITE_TIMEOUT, LABBRIDGE_MLLP_SHUTDOWN_GRACE,
//	LABBRIDGE_MLLP_MAX_CONNECTIONS, LABBRIDGE_MLLP_MAX_FRAME_BYTES,
//	LABBRIDGE_MLLP_TLS_ENABLED, LABBRIDGE_MLLP_TLS_CERT_FILE, LABBRIDGE_MLLP_TLS_KEY_FILE,
//	LABBRIDGE_MLLP_TLS_CLIENT_CA_FILES, LABBRIDGE_MLLP_TLS_REQUIRE_CLIENT_CERT
//	LABBRIDGE_NATS_URLS, LABBRIDGE_NATS_USERNAME,
//	LABBRIDGE_NATS_PASSWORD, LABBRIDGE_NATS_TOKEN,
//	LABBRIDGE_NATS_CONNECT_TIMEOUT, LABBRIDGE_NATS_DRAIN_TIMEOUT
//	LABBRIDGE_QUEUE_STREAM, LABBRIDGE_QUEUE_SUBJECT, LABBRIDGE_QUEUE_DLQ_STREAM,
//	LABBRIDGE_QUEUE_DLQ_SUBJECT, LABBRIDGE_QUEUE_CONSUMER
//	LABBRIDGE_FHIR_BASE_URL, LABBRIDGE_FHIR_TIMEOUT, LABBRIDGE_FHIR_MAX_RETRIES,
//	LABBRIDGE_FHIR_FAILURE_THRESHOLD, LABBRIDGE_FHIR_BREAK_DURATION,
//	LABBRIDGE_FHIR_TLS_CA_FILES, LABBRIDGE_FHIR_TLS_CERT_FILE, LABBRIDGE_FHIR_TLS_KEY_FILE
//	LABBRIDGE_AUDIT_BUCKET, LABBRIDGE_AUDIT_LOG
//	LABBRIDGE_METRICS_ENABLED, LABBRIDGE_METRICS_ADDR
//	LABBRIDGE_LOG_LEVEL, LABBRIDGE_LOG_FORMAT
//
// List variables (*_URLS, *_FILES) are comma separated. A malformed
// numeric, boolean or duration override fails Load.
//
// # Security
//
// Config files must be regular files of at most 1MB with a .yaml, .yml or
// .json extension. Relative paths may not resolve outside the working
// directory. String renders the configuration with credentials masked.
package config
