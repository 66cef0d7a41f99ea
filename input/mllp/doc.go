// Package mllp provides the inbound HL7 listener: a TCP server speaking the
// Minimal Lower Layer Protocol.
//
// # Overview
//
// Each accepted connection is read through a frame.Decoder. Every complete
// frame is validated with hl7.IsValid and then:
//
//   - invalid structure: answered AR with "Invalid HL7 message structure",
//     nothing is enqueued
//   - valid (including message types the processor does not handle):
//     published to the queue, answered AA
//   - publish failure: answered AE with "Processing error: <detail>"
//
// The acknowledgment is only written after Publish returns, so AA means the
// message is durably queued. Transformation and FHIR submission happen
// later in the processor; their failures never change the acknowledgment.
//
// # Usage
//
//	l, err := mllp.New(mllp.Deps{
//	    Config:    mllp.DefaultConfig(),
//	    Publisher: q,
//	    Logger:    logger,
//	})
//	if err := l.Start(ctx); err != nil { ... }
//	defer l.Stop(10 * time.Second)
//
// # Limits
//
// MaxConnections caps concurrent connections; connections beyond it are
// closed on accept. MaxFrameBytes caps the bytes buffered while waiting for
// an end block; a peer exceeding it is disconnected. ReadTimeout closes idle
// connections.
package mllp
