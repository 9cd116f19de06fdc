package process

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("process not found")
	ErrInvalidParams = errors.New("invalid process parameters")
)

// RejectedError is returned when a guard refuses an operation.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}
