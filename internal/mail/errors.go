package mail

import (
	"errors"
	"fmt"
)

// AuthError means the stored credential is invalid or expired. The engine
// flags the account and stops polling it until the user re-links; it is not
// retried automatically.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed", e.Provider)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError means the gateway was unreachable or rate-limited. The cursor
// stays put and the account is retried on the next scheduled cycle.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: temporary failure", e.Provider)
	}
	return fmt.Sprintf("%s: temporary failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
