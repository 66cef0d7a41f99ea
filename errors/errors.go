package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorClass says what a caller should do about an error.
type ErrorClass int

const (
	// ErrorTransient may succeed if tried again.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid will fail the same way every time.
	ErrorInvalid
	// ErrorFatal means the process cannot continue.
	ErrorFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrShuttingDown   = errors.New("component is shutting down")
	ErrNoConnection   = errors.New("no connection available")

	// Inbound HL7
	ErrFrameTooLarge          = errors.New("frame exceeds size limit")
	ErrValidationFailed       = errors.New("invalid HL7 message structure")
	ErrParsingFailed          = errors.New("parsing failed")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrTransformFailed        = errors.New("transformation failed")
	ErrNoSubject              = errors.New("no subject data")

	// FHIR server
	ErrTransientRemote = errors.New("transient remote error")
	ErrPermanentRemote = errors.New("permanent remote error")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit breaker open")

	ErrAuditSink     = errors.New("audit sink failure")
	ErrPublishFailed = errors.New("queue publish failed")
	ErrDuplicateKey  = errors.New("record already exists")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// implied is consulted, in order, for errors that were never wrapped with
// an explicit class.
var implied = []struct {
	sentinel error
	class    ErrorClass
}{
	{ErrTransientRemote, ErrorTransient},
	{ErrRateLimited, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{ErrNoConnection, ErrorTransient},
	{ErrPublishFailed, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{syscall.ECONNREFUSED, ErrorTransient},
	{syscall.ECONNRESET, ErrorTransient},

	{ErrValidationFailed, ErrorInvalid},
	{ErrParsingFailed, ErrorInvalid},
	{ErrUnsupportedMessageType, ErrorInvalid},
	{ErrTransformFailed, ErrorInvalid},
	{ErrNoSubject, ErrorInvalid},
	{ErrPermanentRemote, ErrorInvalid},
	{ErrFrameTooLarge, ErrorInvalid},

	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
}

// ClassifiedError carries an explicit class and where it was assigned.
type ClassifiedError struct {
	Class     ErrorClass
	Component string
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// classOf returns the class of err and whether anything in its chain
// actually determined it. The outermost explicit class wins over sentinels.
func classOf(err error) (ErrorClass, bool) {
	if err == nil {
		return ErrorTransient, false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, m := range implied {
		if errors.Is(err, m.sentinel) {
			return m.class, true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTransient, true
	}
	return ErrorTransient, false
}

// Classify returns the class of err. Errors nothing is known about are
// treated as transient.
func Classify(err error) ErrorClass {
	c, _ := classOf(err)
	return c
}

// IsTransient reports whether err is known to be worth retrying.
func IsTransient(err error) bool {
	c, known := classOf(err)
	return known && c == ErrorTransient
}

func IsInvalid(err error) bool {
	c, known := classOf(err)
	return known && c == ErrorInvalid
}

func IsFatal(err error) bool {
	c, known := classOf(err)
	return known && c == ErrorFatal
}

// Wrap adds context in the form "component.method: action failed: err".
// A nil err stays nil.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Operation: method,
		Err:       Wrap(err, component, method, action),
	}
}

// WrapTransient is Wrap that also marks the error transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid is Wrap that also marks the error invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal is Wrap that also marks the error fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// Is, As, New and Join forward to the standard library so that importers
// of this package need no second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

func Join(errs ...error) error { return errors.Join(errs...) }
