package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("no handler registered for batch kind")
	ErrEmptyBatch  = errors.New("batch has no items")
	ErrNotFound    = errors.New("batch not found")
)

// PermanentError marks an item failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher records it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("item handler panicked: %v", e.value) }
