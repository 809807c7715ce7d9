package delegation

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/store"
)

// DefaultTTL is the token lifetime used when IssueRequest.TTL is zero.
const DefaultTTL = time.Hour

// Claims is the JWT claim set carried by delegation tokens. Scope is the
// space-joined permission list; everything else lives in the registered
// claims (jti, iss=delegator URN, sub=delegate URN, exp, iat).
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes returns the scope claim split back into its permission strings.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether the token grants the given permission.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueRequest describes the token to mint. Delegate may be empty for a
// bearer-wide token.
type IssueRequest struct {
	Delegator string
	Delegate  string
	Scope     []string
	TTL       time.Duration
}

// Issuer mints delegation tokens and records each issuance in the
// delegation store so cascading revocation can find descendants later.
type Issuer struct {
	keys  KeyStore
	store store.DelegationStore
	now   func() time.Time
}

// NewIssuer returns an Issuer backed by the given key and delegation
// stores.
func NewIssuer(keys KeyStore, ds store.DelegationStore) *Issuer {
	return &Issuer{keys: keys, store: ds, now: time.Now}
}

// Issue mints an EdDSA-signed delegation token, records the issuance, and
// returns the compact JWT.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (string, error) {
	if err := asap.ValidateAgentURN(req.Delegator); err != nil {
		return "", asap.NewError(asap.AreaAuth, asap.KindInvalidJWT, "delegation.issue", err).
			WithDetails(map[string]any{"field": "delegator"})
	}
	if req.Delegate != "" {
		if err := asap.ValidateAgentURN(req.Delegate); err != nil {
			return "", asap.NewError(asap.AreaAuth, asap.KindInvalidJWT, "delegation.issue", err).
				WithDetails(map[string]any{"field": "delegate"})
		}
	}

	key, err := i.keys.SigningKey(req.Delegator)
	if err != nil {
		return "", asap.NewError(asap.AreaAuth, asap.KindInvalidJWT, "delegation.issue", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := i.now().UTC()
	jti := asap.NewID()
	claims := &Claims{
		Scope: strings.Join(req.Scope, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    req.Delegator,
			Subject:   req.Delegate,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", asap.NewError(asap.AreaAuth, asap.KindInvalidJWT, "delegation.issue", err)
	}

	err = i.store.RecordIssued(ctx, &store.IssuedDelegation{
		JTI:          jti,
		DelegatorURN: req.Delegator,
		DelegateURN:  req.Delegate,
		CreatedAt:    now,
	})
	if err != nil {
		return "", asap.NewError(asap.AreaStorage, asap.KindIOError, "delegation.issue", err)
	}

	return signed, nil
}
