package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"openidrp/openid"
)

// EffectiveAccountName picks the local account name for an identity: the
// nickname, else the email, else the claimed identifier.
func EffectiveAccountName(id *openid.Identity) string {
	if n := strings.TrimSpace(id.Nickname); n != "" {
		return n
	}
	if e := strings.TrimSpace(id.Email); e != "" {
		return e
	}
	return id.ClaimedID
}

// Mapper reconciles verified identities with local accounts.
type Mapper struct {
	store  Store
	sealer *Sealer
	now    func() time.Time
	logger *slog.Logger
}

// NewMapper builds a mapper. now defaults to time.Now.
func NewMapper(store Store, sealer *Sealer, now func() time.Time, logger *slog.Logger) *Mapper {
	if now == nil {
		now = time.Now
	}
	return &Mapper{store: store, sealer: sealer, now: now, logger: logger}
}

// FindBound returns the account holding claimedID.
func (m *Mapper) FindBound(ctx context.Context, claimedID string) (*Account, error) {
	digest := m.sealer.Digest(claimedID)
	a, err := m.store.FindByDigest(ctx, digest)
	if IsErrAccountNotFound(err) {
		return nil, ErrIdentifierNotBound{Digest: digest}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ReconcileSSO maps an identity asserted by the single trusted provider.
// An account already bound to the identifier wins; otherwise the account
// named by EffectiveAccountName is looked up or created and the identifier
// bound to it. The profile is refreshed either way.
func (m *Mapper) ReconcileSSO(ctx context.Context, id *openid.Identity) (*Account, error) {
	a, err := m.LoginBound(ctx, id)
	switch {
	case err == nil:
		return a, nil
	case !IsErrIdentifierNotBound(err):
		return nil, err
	}

	name := EffectiveAccountName(id)
	a, err = m.store.Get(ctx, name)
	if IsErrAccountNotFound(err) {
		return m.create(ctx, name, id)
	}
	if err != nil {
		return nil, err
	}
	if err := m.addIdentifier(a, id.ClaimedID); err != nil {
		return nil, err
	}
	m.ApplyProfile(a, id)
	if err := m.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("bind identifier: %w", err)
	}
	m.logger.Info("bound identifier to existing account",
		"account", a.Name, "claimed_id_digest", m.sealer.Digest(id.ClaimedID))
	return a, nil
}

// LoginBound returns the account already holding the identity's claimed
// identifier, refreshing its profile. An unbound identifier yields
// ErrIdentifierNotBound.
func (m *Mapper) LoginBound(ctx context.Context, id *openid.Identity) (*Account, error) {
	a, err := m.FindBound(ctx, id.ClaimedID)
	if err != nil {
		return nil, err
	}
	if m.ApplyProfile(a, id) {
		if err := m.store.Update(ctx, a); err != nil {
			return nil, fmt.Errorf("update profile: %w", err)
		}
	}
	return a, nil
}

// SignUp creates an account for an identity that is not bound anywhere.
func (m *Mapper) SignUp(ctx context.Context, id *openid.Identity) (*Account, error) {
	if _, err := m.FindBound(ctx, id.ClaimedID); err == nil {
		return nil, ErrIdentifierInUse{}
	} else if !IsErrIdentifierNotBound(err) {
		return nil, err
	}
	return m.create(ctx, EffectiveAccountName(id), id)
}

func (m *Mapper) create(ctx context.Context, name string, id *openid.Identity) (*Account, error) {
	now := m.now()
	a := &Account{Name: name, CreatedAt: now, UpdatedAt: now}
	if err := m.addIdentifier(a, id.ClaimedID); err != nil {
		return nil, err
	}
	m.ApplyProfile(a, id)
	if err := m.store.Create(ctx, a); err != nil {
		return nil, err
	}
	m.logger.Info("account created",
		"account", a.Name, "claimed_id_digest", m.sealer.Digest(id.ClaimedID))
	return a, nil
}

// Bind attaches claimedID to the named account. Binding an identifier the
// account already holds is a no-op.
func (m *Mapper) Bind(ctx context.Context, accountName, claimedID string) (*Account, error) {
	bound, err := m.FindBound(ctx, claimedID)
	switch {
	case err == nil && bound.Name == accountName:
		return bound, nil
	case err == nil:
		return nil, ErrIdentifierInUse{}
	case !IsErrIdentifierNotBound(err):
		return nil, err
	}

	a, err := m.store.Get(ctx, accountName)
	if err != nil {
		return nil, err
	}
	if err := m.addIdentifier(a, claimedID); err != nil {
		return nil, err
	}
	a.UpdatedAt = m.now()
	if err := m.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("bind identifier: %w", err)
	}
	return a, nil
}

// Unbind detaches claimedID from the named account.
func (m *Mapper) Unbind(ctx context.Context, accountName, claimedID string) error {
	a, err := m.store.Get(ctx, accountName)
	if err != nil {
		return err
	}
	digest := m.sealer.Digest(claimedID)
	kept := a.Identifiers[:0]
	for _, b := range a.Identifiers {
		if b.Digest != digest {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(a.Identifiers) {
		return ErrIdentifierNotBound{Digest: digest}
	}
	a.Identifiers = kept
	a.UpdatedAt = m.now()
	return m.store.Update(ctx, a)
}

// ListIdentifiers opens the identifiers bound to the named account.
func (m *Mapper) ListIdentifiers(ctx context.Context, accountName string) ([]string, error) {
	a, err := m.store.Get(ctx, accountName)
	if err != nil {
		return nil, err
	}
	return m.Identifiers(a)
}

// Identifiers opens the identifiers bound to a.
func (m *Mapper) Identifiers(a *Account) ([]string, error) {
	out := make([]string, 0, len(a.Identifiers))
	for _, b := range a.Identifiers {
		id, err := m.sealer.Open(b.Sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Mapper) addIdentifier(a *Account, claimedID string) error {
	if a.HasDigest(m.sealer.Digest(claimedID)) {
		return nil
	}
	sealed, err := m.sealer.Seal(claimedID)
	if err != nil {
		return err
	}
	a.Identifiers = append(a.Identifiers, sealed)
	return nil
}

// ApplyProfile copies asserted full name and email onto a. Absent values
// never clear stored ones. It reports whether anything changed.
func (m *Mapper) ApplyProfile(a *Account, id *openid.Identity) bool {
	changed := false
	if id.FullName != "" && id.FullName != a.FullName {
		a.FullName = id.FullName
		changed = true
	}
	if id.Email != "" && id.Email != a.Email {
		a.Email = id.Email
		changed = true
	}
	if changed {
		a.UpdatedAt = m.now()
	}
	return changed
}
