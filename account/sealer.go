package account

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

const (
	sealInfo   = "openidrp identifier encryption"
	digestInfo = "openidrp identifier digest"
)

// Sealer encrypts claimed identifiers for storage and derives the keyed
// digest used to look them up. Both keys come from one secret.
type Sealer struct {
	encKey    []byte
	digestKey []byte
	encrypter jose.Encrypter
}

// NewSealer derives the sealing keys from secret (at least 32 bytes).
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < 32 {
		return nil, errors.New("identifier sealing secret must be at least 32 bytes")
	}
	encKey, err := deriveKey(secret, sealInfo)
	if err != nil {
		return nil, err
	}
	digestKey, err := deriveKey(secret, digestInfo)
	if err != nil {
		return nil, err
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: encKey}, nil)
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	return &Sealer{encKey: encKey, digestKey: digestKey, encrypter: enc}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Digest returns the lookup digest of a claimed identifier.
func (s *Sealer) Digest(claimedID string) string {
	mac := hmac.New(sha256.New, s.digestKey)
	mac.Write([]byte(claimedID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encrypts a claimed identifier.
func (s *Sealer) Seal(claimedID string) (BoundIdentifier, error) {
	obj, err := s.encrypter.Encrypt([]byte(claimedID))
	if err != nil {
		return BoundIdentifier{}, fmt.Errorf("seal identifier: %w", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return BoundIdentifier{}, fmt.Errorf("serialize sealed identifier: %w", err)
	}
	return BoundIdentifier{Digest: s.Digest(claimedID), Sealed: compact}, nil
}

// Open decrypts a sealed identifier.
func (s *Sealer) Open(sealed string) (string, error) {
	obj, err := jose.ParseEncrypted(sealed)
	if err != nil {
		return "", fmt.Errorf("parse sealed identifier: %w", err)
	}
	plain, err := obj.Decrypt(s.encKey)
	if err != nil {
		return "", fmt.Errorf("open sealed identifier: %w", err)
	}
	return string(plain), nil
}
