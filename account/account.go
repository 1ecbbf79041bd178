// Package account maps verified OpenID identities onto local accounts and
// keeps the identifiers bound to each account sealed at rest.
package account

import (
	"context"
	"time"
)

// Account is a local user.
type Account struct {
	Name        string
	FullName    string
	Email       string
	Identifiers []BoundIdentifier
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BoundIdentifier is a claimed identifier bound to an account. Digest is a
// keyed hash used for lookups; Sealed is the encrypted identifier.
type BoundIdentifier struct {
	Digest string
	Sealed string
}

// HasDigest reports whether the account holds the identifier with digest.
func (a *Account) HasDigest(digest string) bool {
	for _, b := range a.Identifiers {
		if b.Digest == digest {
			return true
		}
	}
	return false
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Identifiers = append([]BoundIdentifier(nil), a.Identifiers...)
	return &cp
}

//go:generate mockgen -source=account.go -destination=mocks/mocks.go -package=mocks Store

// Store persists accounts. Lookups of unknown names or digests return
// ErrAccountNotFound.
type Store interface {
	Get(ctx context.Context, name string) (*Account, error)
	FindByDigest(ctx context.Context, digest string) (*Account, error)
	// Create fails with ErrAccountExists when the name is taken and with
	// ErrIdentifierInUse when a digest is already bound elsewhere.
	Create(ctx context.Context, a *Account) error
	// Update replaces profile fields and identifiers of an existing account.
	Update(ctx context.Context, a *Account) error
}
