package sandbox

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/identity"
)

const tokenIssuer = "lms-sandbox"

type tokenClaims struct {
	jwt.StandardClaims
	Nonce string `json:"nonce,omitempty"`
}

// IdentityProvider is a development identity provider that signs its own tokens.
// Its authorize page lives on the portal itself (see AuthorizePath).
type IdentityProvider struct {
	secret       []byte
	authorizeURL string
	ttl          time.Duration
}

var _ identity.Provider = (*IdentityProvider)(nil)

func NewIdentityProvider(secret, authorizeURL string, ttl time.Duration) *IdentityProvider {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &IdentityProvider{secret: []byte(secret), authorizeURL: authorizeURL, ttl: ttl}
}

func (p *IdentityProvider) AuthURL(state, nonce string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("nonce", nonce)
	return p.authorizeURL + "?" + q.Encode()
}

// Issue mints a credential for principal. An empty principal gets a fresh random one.
func (p *IdentityProvider) Issue(principal, nonce string) (string, error) {
	if principal == "" {
		principal = NewPrincipal()
	}
	now := nowFunc()
	claims := tokenClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   principal,
			Issuer:    tokenIssuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(p.ttl).Unix(),
		},
		Nonce: nonce,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *IdentityProvider) Verify(_ context.Context, credential, nonce string) (identity.Identity, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return identity.Identity{}, core.NewError(core.KindIdentityProvider, "Invalid credential", err)
	}
	switch {
	case claims.Issuer != tokenIssuer:
		return identity.Identity{}, core.NewError(core.KindIdentityProvider, "Unexpected credential issuer")
	case claims.Subject == "":
		return identity.Identity{}, core.NewError(core.KindIdentityProvider, "Credential has no principal")
	case nonce != "" && claims.Nonce != nonce:
		return identity.Identity{}, core.NewError(core.KindIdentityProvider, "Credential nonce mismatch")
	}
	return identity.Identity{
		Principal:  claims.Subject,
		Credential: credential,
		ExpiresAt:  time.Unix(claims.ExpiresAt, 0),
	}, nil
}

// NewPrincipal returns a random principal text in the platform's dashed format.
func NewPrincipal() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%5 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(c)
	}
	return b.String()
}
