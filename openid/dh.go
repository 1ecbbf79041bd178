package openid

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Default Diffie-Hellman group from the OpenID 2.0 association rules.
var (
	DefaultModulus, _ = new(big.Int).SetString(
		"DCF93A0B883972EC0E19989AC5A2CE310E1D37717E8D9571BB7623731866E61E"+
			"F75A2E27898B057F9891C2E27A639C3F29B60814581CD3B2CA3986D268370557"+
			"7D45C2E7E52DC81C7A171876E5CEA74B1448BFDFAF18828EFD2519F14E45E382"+
			"6634AF1949E5B535CC829A483B8A76223E5D490A257F05BDFF16F2FB22C583AB", 16)
	DefaultGenerator = big.NewInt(2)
)

// DHKey is one side of a Diffie-Hellman exchange over the default group.
type DHKey struct {
	private *big.Int
	Public  *big.Int
}

// GenerateDHKey picks a private exponent in [1, p-1) using rand.
func GenerateDHKey(rand io.Reader) (*DHKey, error) {
	limit := new(big.Int).Sub(DefaultModulus, big.NewInt(2))
	x, err := randInt(rand, limit)
	if err != nil {
		return nil, fmt.Errorf("generate dh private key: %w", err)
	}
	x.Add(x, big.NewInt(1))
	return &DHKey{
		private: x,
		Public:  new(big.Int).Exp(DefaultGenerator, x, DefaultModulus),
	}, nil
}

// SharedSecret returns g^(xy) mod p for the peer's public value.
func (k *DHKey) SharedSecret(peer *big.Int) (*big.Int, error) {
	one := big.NewInt(1)
	upper := new(big.Int).Sub(DefaultModulus, one)
	if peer.Cmp(one) <= 0 || peer.Cmp(upper) >= 0 {
		return nil, errors.New("dh public value out of range")
	}
	return new(big.Int).Exp(peer, k.private, DefaultModulus), nil
}

// XORMacKey unmasks (or masks) a MAC key with H(btwoc(shared)).
func XORMacKey(sessionType string, shared *big.Int, key []byte) ([]byte, error) {
	var digest []byte
	switch sessionType {
	case SessionDHSHA1:
		sum := sha1.Sum(Btwoc(shared))
		digest = sum[:]
	case SessionDHSHA256:
		sum := sha256.Sum256(Btwoc(shared))
		digest = sum[:]
	default:
		return nil, fmt.Errorf("unsupported session type %q", sessionType)
	}
	if len(digest) != len(key) {
		return nil, fmt.Errorf("mac key length %d does not match %s digest", len(key), sessionType)
	}
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ digest[i]
	}
	return out, nil
}

// Btwoc encodes a non-negative integer as big-endian two's complement.
func Btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// EncodeBtwoc returns the base64 btwoc form used on the wire.
func EncodeBtwoc(n *big.Int) string {
	return base64.StdEncoding.EncodeToString(Btwoc(n))
}

// DecodeBtwoc parses a base64 btwoc integer.
func DecodeBtwoc(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty integer")
	}
	return new(big.Int).SetBytes(b), nil
}

func randInt(rand io.Reader, max *big.Int) (*big.Int, error) {
	buf := make([]byte, (max.BitLen()+7)/8+8)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(buf)
	return n.Mod(n, max), nil
}
