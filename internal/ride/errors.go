package ride

import "errors"

// Failure classes surfaced to callers. Handlers map these onto HTTP
// statuses; the service never retries on its own.
var (
	// ErrValidation: missing or malformed input, fix and resubmit.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: the ride (or captain) was not in the expected state,
	// typically because a racing caller won. Never retried.
	ErrConflict = errors.New("state conflict")
	// ErrUnauthorized: OTP or identity mismatch. No state change.
	ErrUnauthorized = errors.New("unauthorized")
)
