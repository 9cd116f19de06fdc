package credential

import (
	"errors"
	"fmt"
)

var (
	ErrMissingToken           = errors.New("missing credential token")
	ErrInvalidToken           = errors.New("invalid credential token")
	ErrRevoked                = errors.New("credential revoked")
	ErrExpired                = errors.New("credential expired")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrDuplicateApplication   = errors.New("application already registered")
	ErrNotFound               = errors.New("credential not found")
	ErrCannotRenewRevoked     = errors.New("cannot renew a revoked credential")
)

// ExpiredError carries the identity of an expired credential so the caller can
// decide whether to renew it.
type ExpiredError struct {
	CredentialID string
	Application  string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("credential %s for application %q expired", e.CredentialID, e.Application)
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// PermissionError names the permission a valid credential lacks.
type PermissionError struct {
	Application string
	Required    string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("application %q lacks permission %q", e.Application, e.Required)
}

func (e *PermissionError) Is(target error) bool { return target == ErrInsufficientPermission }
