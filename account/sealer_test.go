package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	b, err := s.Seal("https://op.example/id/alice")
	require.NoError(t, err)
	assert.NotContains(t, b.Sealed, "alice")
	assert.Equal(t, s.Digest("https://op.example/id/alice"), b.Digest)

	other, err := s.Seal("https://op.example/id/alice")
	require.NoError(t, err)
	assert.NotEqual(t, b.Sealed, other.Sealed, "sealing uses a fresh nonce")
	assert.Equal(t, b.Digest, other.Digest)

	plain, err := s.Open(b.Sealed)
	require.NoError(t, err)
	assert.Equal(t, "https://op.example/id/alice", plain)
}

func TestSealerRejectsForeignKey(t *testing.T) {
	a, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	b, err := NewSealer([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	sealed, err := a.Seal("https://op/id")
	require.NoError(t, err)
	_, err = b.Open(sealed.Sealed)
	assert.Error(t, err)
	assert.NotEqual(t, a.Digest("x"), b.Digest("x"))

	_, err = NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestMemoryStoreRejectsDuplicateDigest(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), &Account{Name: "a", Identifiers: []BoundIdentifier{{Digest: "d"}}}))
	err := s.Create(context.Background(), &Account{Name: "b", Identifiers: []BoundIdentifier{{Digest: "d"}}})
	assert.Equal(t, ErrIdentifierInUse{Account: "a"}, err)
	assert.True(t, IsErrAccountNotFound(s.Update(context.Background(), &Account{Name: "missing"})))
}
