package account

import (
	"errors"
	"fmt"
)

// ErrAccountNotFound represents a "AccountNotFound" kind of error.
type ErrAccountNotFound struct {
	Name string
}

// IsErrAccountNotFound checks if an error is an ErrAccountNotFound.
func IsErrAccountNotFound(err error) bool {
	var target ErrAccountNotFound
	return errors.As(err, &target)
}

func (err ErrAccountNotFound) Error() string {
	if err.Name == "" {
		return "account does not exist"
	}
	return fmt.Sprintf("account does not exist [name: %s]", err.Name)
}

// ErrAccountExists represents a "AccountExists" kind of error.
type ErrAccountExists struct {
	Name string
}

// IsErrAccountExists checks if an error is an ErrAccountExists.
func IsErrAccountExists(err error) bool {
	var target ErrAccountExists
	return errors.As(err, &target)
}

func (err ErrAccountExists) Error() string {
	return fmt.Sprintf("account already exists [name: %s]", err.Name)
}

// ErrIdentifierInUse is returned when an identifier is already bound to
// another account. The identifier itself is never included.
type ErrIdentifierInUse struct {
	Account string
}

// IsErrIdentifierInUse checks if an error is an ErrIdentifierInUse.
func IsErrIdentifierInUse(err error) bool {
	var target ErrIdentifierInUse
	return errors.As(err, &target)
}

func (err ErrIdentifierInUse) Error() string {
	if err.Account == "" {
		return "OpenID identifier is already bound to an account"
	}
	return fmt.Sprintf("OpenID identifier is already bound to an account [account: %s]", err.Account)
}

// ErrIdentifierNotBound is returned when no account holds an identifier.
type ErrIdentifierNotBound struct {
	Digest string
}

// IsErrIdentifierNotBound checks if an error is an ErrIdentifierNotBound.
func IsErrIdentifierNotBound(err error) bool {
	var target ErrIdentifierNotBound
	return errors.As(err, &target)
}

func (err ErrIdentifierNotBound) Error() string {
	return fmt.Sprintf("OpenID identifier is not bound to any account [digest: %s]", err.Digest)
}
