package provider

import (
	"errors"
	"fmt"
)

// ErrStaleCursor indicates the stored history cursor is too old for the
// provider to enumerate changes from. The caller must bootstrap from the
// current profile state.
var ErrStaleCursor = errors.New("history cursor no longer valid")

// PermissionDeniedError indicates the provider rejected a call for
// authorization reasons, most commonly a Pub/Sub topic the Gmail push
// service account is not allowed to publish to.
type PermissionDeniedError struct {
	Grantee string
	Role    string
	Topic   string
	Err     error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied by provider (topic %s): %v", e.Topic, e.Err)
}

func (e *PermissionDeniedError) Unwrap() error {
	return e.Err
}

// Remediation returns operator-facing instructions naming the exact
// grantee, role and topic that must be fixed.
func (e *PermissionDeniedError) Remediation() string {
	return fmt.Sprintf("grant the %s role to %s on topic %s", e.Role, e.Grantee, e.Topic)
}

// TransientError indicates a retryable provider failure such as rate
// limiting, a server-side error or a network problem.
type TransientError struct {
	Code int
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transient provider error (HTTP %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsPermissionDenied reports whether err is an authorization failure.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
