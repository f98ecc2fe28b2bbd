package result

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when reading from a released cursor
	ErrClosed = errors.New("cursor closed")

	// ErrEmptyResult is returned by First when the result has no records
	ErrEmptyResult = errors.New("empty result")

	// ErrAlreadyConsumed is returned on a second subscription to a single-pass adapter
	ErrAlreadyConsumed = errors.New("result already consumed")

	// ErrCancelled marks termination by consumer cancellation. It is not a failure,
	// but it must be distinguishable from normal completion.
	ErrCancelled = errors.New("cancelled")

	// ErrConcurrentUse is returned when two goroutines drive the same cursor
	ErrConcurrentUse = errors.New("cursor used concurrently")
)

// SourceError wraps a failure raised by the underlying data source.
// A cursor that returns a SourceError has already been closed.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source error: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// KeyExtractionError reports a record for which the map key could not be resolved
type KeyExtractionError struct {
	Index int // Position of the record in source order
	Err   error
}

func (e *KeyExtractionError) Error() string {
	return fmt.Sprintf("key extraction failed for record %d: %v", e.Index, e.Err)
}

func (e *KeyExtractionError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err is a cancellation rather than a failure
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// sourceFailure classifies an error coming from the source. Context cancellation
// surfaces as ErrCancelled; everything else becomes a SourceError.
func sourceFailure(err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.Join(ErrCancelled, err)
	}
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return &SourceError{Err: err}
}
