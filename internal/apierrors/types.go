package apierrors

import (
	"errors"
	"fmt"
)

// ErrCredentialsNotFound signals that no stored credentials exist for an
// account, or that the stored blob could not be decrypted/decoded. Both cases
// are handled the same way: fall through to a fresh silent login.
var ErrCredentialsNotFound = errors.New("credentials not found")

// AuthenticationError signals that the backend rejected the presented
// credentials (expired or invalid token). It triggers the refresh-or-relogin
// policy and is retried exactly once by the re-authenticating client wrapper.
type AuthenticationError struct {
	Status  int
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Message)
}

// ConnectionError wraps any network/unreachable-backend class of failure.
// Connection errors are never telemetry-reported so a down backend does not
// flood error tracking.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "backend unreachable: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientReplacedError is a transient signal raised while the API client is
// being swapped for a new backend URL. Callers swallow it silently; it must
// never select the NoOp login handler with a user-visible message.
type ClientReplacedError struct{}

func (e *ClientReplacedError) Error() string { return "api client is being replaced" }

// IsAuthentication reports whether err is (or wraps) an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsClientReplaced reports whether err is (or wraps) a ClientReplacedError.
func IsClientReplaced(err error) bool {
	var re *ClientReplacedError
	return errors.As(err, &re)
}
