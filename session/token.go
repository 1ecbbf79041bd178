package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "openidrp-pending-login"

// TokenCodec issues the opaque token a browser presents when it returns
// from the provider. The token names the pending login and is signed so
// ids cannot be guessed or swapped.
type TokenCodec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec builds a codec signing with key (at least 32 bytes).
func NewTokenCodec(key []byte, issuer string, now func() time.Time) (*TokenCodec, error) {
	if len(key) < 32 {
		return nil, errors.New("pending-login token key must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{key: key, issuer: issuer, now: now}, nil
}

// Issue signs a token for pending login id.
func (c *TokenCodec) Issue(id string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        id,
		Issuer:    c.issuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(c.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign pending-login token: %w", err)
	}
	return token, nil
}

// Parse returns the pending login id carried by token.
func (c *TokenCodec) Parse(token string) (string, error) {
	if token == "" {
		return "", ErrSessionNotFound{Reason: ReasonMissing}
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrSessionNotFound{Reason: ReasonExpired}
	}
	if err != nil || claims.ID == "" {
		return "", ErrSessionNotFound{Reason: ReasonInvalidToken}
	}
	return claims.ID, nil
}
