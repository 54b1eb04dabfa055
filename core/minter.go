package core

import (
	"context"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	oidckit "github.com/open-rails/oidcbridge/oidc"
)

// IDTokenClaims are the claims of a minted ID token.
type IDTokenClaims struct {
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Minter signs ID tokens with the key from a KeySource.
type Minter struct {
	keys     KeySource
	issuer   string
	audience string
	now      func() time.Time
}

func NewMinter(keys KeySource, issuer, audience string) *Minter {
	return &Minter{keys: keys, issuer: issuer, audience: audience, now: time.Now}
}

// WithClock replaces the minter's time source.
func (m *Minter) WithClock(now func() time.Time) *Minter { m.now = now; return m }

// Mint signs an RS256 ID token for rec. The token lives exactly as long as
// the upstream session: exp = iat + lifetime.
func (m *Minter) Mint(ctx context.Context, rec IdentityRecord, p *oidckit.Profile, lifetime time.Duration) (string, *IDTokenClaims, error) {
	const op = "mint id token"
	key, err := m.keys.SigningKey(ctx)
	if err != nil {
		if KindOf(err) == KindSigningKeyUnavailable {
			return "", nil, err
		}
		return "", nil, E(KindSigningKeyUnavailable, op, err)
	}
	if lifetime <= 0 {
		return "", nil, E(KindUpstreamExchange, op, errors.New("non-positive token lifetime"))
	}

	sub := rec.ExternalSubject
	if p != nil && p.Subject != "" {
		sub = p.Subject
	}
	iat := m.now().UTC().Truncate(time.Second)
	claims := &IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(lifetime)),
		},
	}
	if p != nil {
		claims.Email = p.Email
		claims.Name = p.Name
		claims.Picture = p.Picture
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KeyID
	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", nil, E(KindSigningKeyUnavailable, op, err)
	}
	return signed, claims, nil
}
