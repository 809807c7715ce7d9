package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/store"
)

// Validator verifies delegation tokens: signature against the delegator's
// public key, temporal claims with zero leeway, revocation via the
// delegation store, and a scope-subset check.
type Validator struct {
	keys  KeyStore
	store store.DelegationStore
	now   func() time.Time
}

// NewValidator returns a Validator backed by the given key and delegation
// stores.
func NewValidator(keys KeyStore, ds store.DelegationStore) *Validator {
	return &Validator{keys: keys, store: ds, now: time.Now}
}

// Validate parses and verifies a compact delegation JWT and checks that
// every required scope is granted. It returns the verified claims.
func (v *Validator) Validate(ctx context.Context, raw string, requiredScopes []string) (*Claims, error) {
	const op = "delegation.validate"

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		iss, err := t.Claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, errors.New("token has no issuer")
		}
		return v.keys.VerificationKey(iss)
	})
	if err != nil {
		kind := asap.KindInvalidJWT
		if errors.Is(err, jwt.ErrTokenExpired) {
			kind = asap.KindExpiredToken
		}
		return nil, asap.NewError(asap.AreaAuth, kind, op, err)
	}
	if claims.ID == "" {
		return nil, asap.NewError(asap.AreaAuth, asap.KindInvalidJWT, op,
			errors.New("token has no jti"))
	}

	revoked, err := v.store.AreRevoked(ctx, []string{claims.ID})
	if err != nil {
		return nil, asap.NewError(asap.AreaStorage, asap.KindIOError, op, err)
	}
	if revoked[claims.ID] {
		return nil, asap.NewError(asap.AreaAuth, asap.KindRevokedToken, op, nil).
			WithDetails(map[string]any{"jti": claims.ID})
	}

	for _, scope := range requiredScopes {
		if !claims.HasScope(scope) {
			return nil, asap.NewError(asap.AreaAuth, asap.KindScopeDenied, op, nil).
				WithDetails(map[string]any{"required": scope, "granted": claims.Scope})
		}
	}

	return claims, nil
}
