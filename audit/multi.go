package audit

import (
	"context"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// Multi writes to every sink and joins their errors.
type Multi []Sink

// RecordSuccess writes s to every sink.
func (m Multi) RecordSuccess(ctx context.Context, s Success) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RecordSuccess(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordFailure writes f to every sink.
func (m Multi) RecordFailure(ctx context.Context, f Failure) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RecordFailure(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
