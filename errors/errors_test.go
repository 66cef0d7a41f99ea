package errors

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(7).String())
}

func TestClassify(t *testing.T) {
	dialRefused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	readTimeout := &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}

	tests := []struct {
		name  string
		err   error
		class ErrorClass
		known bool
	}{
		{"nil", nil, ErrorTransient, false},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient, false},
		{"cancelled", context.Canceled, ErrorTransient, false},
		{"deadline", fmt.Errorf("POST /Patient: %w", context.DeadlineExceeded), ErrorTransient, true},
		{"refused", dialRefused, ErrorTransient, true},
		{"net timeout", readTimeout, ErrorTransient, true},
		{"5xx", ErrTransientRemote, ErrorTransient, true},
		{"429", Join(ErrTransientRemote, ErrRateLimited), ErrorTransient, true},
		{"circuit open", ErrCircuitOpen, ErrorTransient, true},
		{"4xx", fmt.Errorf("POST /Observation: %w", ErrPermanentRemote), ErrorInvalid, true},
		{"bad HL7", ErrValidationFailed, ErrorInvalid, true},
		{"ORM", ErrUnsupportedMessageType, ErrorInvalid, true},
		{"no PID", ErrNoSubject, ErrorInvalid, true},
		{"config", fmt.Errorf("load: %w", ErrMissingConfig), ErrorFatal, true},
		{"explicit", WrapFatal(ErrParsingFailed, "labresult", "Run", "consume"), ErrorFatal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
			assert.Equal(t, tt.known && tt.class == ErrorTransient, IsTransient(tt.err))
			assert.Equal(t, tt.known && tt.class == ErrorInvalid, IsInvalid(tt.err))
			assert.Equal(t, tt.known && tt.class == ErrorFatal, IsFatal(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "hl7", "Parse", "read MSH"))

	err := Wrap(ErrParsingFailed, "hl7", "Parse", "read MSH")
	assert.EqualError(t, err, "hl7.Parse: read MSH failed: parsing failed")
	assert.ErrorIs(t, err, ErrParsingFailed)
}

func TestWrapWithClass(t *testing.T) {
	cause := fmt.Errorf("connection reset by peer")

	for class, wrap := range map[ErrorClass]func(error, string, string, string) error{
		ErrorTransient: WrapTransient,
		ErrorInvalid:   WrapInvalid,
		ErrorFatal:     WrapFatal,
	} {
		t.Run(class.String(), func(t *testing.T) {
			assert.Nil(t, wrap(nil, "fhirapi", "post", "POST /Patient"))

			err := wrap(cause, "fhirapi", "post", "POST /Patient")
			var ce *ClassifiedError
			require.True(t, As(err, &ce))
			assert.Equal(t, class, ce.Class)
			assert.Equal(t, "fhirapi", ce.Component)
			assert.Equal(t, "post", ce.Operation)
			assert.EqualError(t, err, "fhirapi.post: POST /Patient failed: connection reset by peer")
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestOutermostClassWins(t *testing.T) {
	inner := WrapTransient(ErrNoConnection, "natsclient", "JetStream", "get context")
	outer := WrapInvalid(inner, "queue", "Publish", "publish")

	assert.True(t, IsInvalid(outer))
	assert.True(t, IsTransient(inner))
	assert.ErrorIs(t, outer, ErrNoConnection)

	wrapped := Wrap(WrapInvalid(ErrPermanentRemote, "fhirapi", "post", "POST /Observation"), "labresult", "Handle", "submit")
	assert.True(t, IsInvalid(wrapped))
	assert.ErrorIs(t, wrapped, ErrPermanentRemote)
}
