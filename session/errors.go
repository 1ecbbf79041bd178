package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFoundSentinel is wrapped by every ErrSessionNotFound.
var ErrSessionNotFoundSentinel = errors.New("login session not found")

// ErrNoIdentifier is returned by Commence when neither the request nor the
// configuration names a provider.
var ErrNoIdentifier = errors.New("no OpenID identifier given")

// Reasons a pending login cannot be located.
const (
	ReasonMissing      = "missing"
	ReasonConsumed     = "consumed"
	ReasonExpired      = "expired"
	ReasonInvalidToken = "invalid_token"
)

// ErrSessionNotFound is returned by Finish when the returning request has
// no usable pending login. It is distinct from a verification failure.
type ErrSessionNotFound struct {
	Reason string
}

// IsErrSessionNotFound checks if an error is an ErrSessionNotFound.
func IsErrSessionNotFound(err error) bool {
	var target ErrSessionNotFound
	return errors.As(err, &target)
}

func (err ErrSessionNotFound) Error() string {
	return fmt.Sprintf("login session not found [reason: %s]", err.Reason)
}

func (err ErrSessionNotFound) Unwrap() error {
	return ErrSessionNotFoundSentinel
}

// ErrContinuation wraps a failure of the success continuation.
type ErrContinuation struct {
	Purpose Purpose
	Err     error
}

// IsErrContinuation checks if an error is an ErrContinuation.
func IsErrContinuation(err error) bool {
	var target ErrContinuation
	return errors.As(err, &target)
}

func (err ErrContinuation) Error() string {
	return fmt.Sprintf("complete %s login: %v", err.Purpose, err.Err)
}

func (err ErrContinuation) Unwrap() error {
	return err.Err
}
