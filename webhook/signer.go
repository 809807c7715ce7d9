package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// SignatureHeader carries the hex HMAC of the canonical request body.
const SignatureHeader = "X-ASAP-Signature"

// Signer produces and verifies webhook payload signatures. Bodies are
// canonicalized per RFC 8785 before signing so both sides agree on the
// exact bytes regardless of key order or whitespace.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer using the shared secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// CanonicalBody marshals the payload and transforms it into RFC 8785
// canonical JSON.
func CanonicalBody(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook payload: %w", err)
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing webhook payload: %w", err)
	}
	return body, nil
}

// Sign returns the signature header value for a canonical body:
// "sha256=<hex hmac>".
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header value against the body using a
// constant-time comparison.
func (s *Signer) Verify(body []byte, header string) bool {
	raw, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
