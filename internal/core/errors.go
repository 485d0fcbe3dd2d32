package core

import (
	"errors"
	"fmt"
)

// ErrReauthRequired is returned when the refresh token itself was rejected.
// The batch cannot auto-recover; the caller must obtain fresh credentials.
var ErrReauthRequired = errors.New("re-authentication required")

// ErrAuthRejected marks a request the service refused for authorization
// reasons despite a locally valid token (clock skew, server-side revocation).
// The transfer executor reacts with one invalidate-and-retry.
var ErrAuthRejected = errors.New("authorization rejected")

// TransientError wraps failures worth retrying with backoff: timeouts,
// connection resets, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IntegrityError reports a disagreement between the local file and what the
// service confirmed after the final chunk. It is never silently accepted.
type IntegrityError struct {
	Path   string
	Field  string // "size" or "checksum"
	Local  string
	Remote string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: local %s %s, remote reported %s", e.Path, e.Field, e.Local, e.Remote)
}

// FatalServiceError marks conditions that abort the remaining batch: service
// unreachable at the session level or an outright batch rejection. The
// session is preserved for a later resume.
type FatalServiceError struct {
	Err error
}

func (e *FatalServiceError) Error() string { return "fatal service error: " + e.Err.Error() }
func (e *FatalServiceError) Unwrap() error { return e.Err }

// IsFatal reports whether err should halt the orchestrator.
func IsFatal(err error) bool {
	var fe *FatalServiceError
	return errors.As(err, &fe) || errors.Is(err, ErrReauthRequired)
}
