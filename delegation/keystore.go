// Package delegation mints and validates signed capability tokens. A
// delegator agent issues an Ed25519 JWT naming a delegate and a scope set;
// validators verify the signature against the delegator's public key and
// consult the delegation store for revocations.
package delegation

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// KeyStore maps delegator URNs to Ed25519 key material. The signing side
// is only needed by issuers; validators only ever call VerificationKey.
type KeyStore interface {
	// SigningKey returns the private key for a delegator URN.
	SigningKey(delegatorURN string) (ed25519.PrivateKey, error)

	// VerificationKey returns the public key for a delegator URN.
	VerificationKey(delegatorURN string) (ed25519.PublicKey, error)
}

type keyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// StaticKeyStore is an in-memory KeyStore backed by a fixed map of key
// pairs. Entries added via AddVerificationKey carry no private half and can
// only verify.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]keyPair
}

// NewStaticKeyStore returns an empty StaticKeyStore.
func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: make(map[string]keyPair)}
}

// Add registers a full key pair for a delegator URN, replacing any
// existing entry.
func (s *StaticKeyStore) Add(delegatorURN string, private ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[delegatorURN] = keyPair{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}
}

// AddVerificationKey registers a verify-only entry for a delegator URN.
// Peers distribute public keys this way; SigningKey for the URN will fail.
func (s *StaticKeyStore) AddVerificationKey(delegatorURN string, public ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[delegatorURN] = keyPair{public: public}
}

// Generate creates a fresh Ed25519 key pair for a delegator URN, registers
// it, and returns the public half.
func (s *StaticKeyStore) Generate(delegatorURN string) (ed25519.PublicKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", delegatorURN, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[delegatorURN] = keyPair{private: private, public: public}
	return public, nil
}

// SigningKey implements KeyStore.
func (s *StaticKeyStore) SigningKey(delegatorURN string) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[delegatorURN]
	if !ok || kp.private == nil {
		return nil, fmt.Errorf("delegation: no signing key for %s", delegatorURN)
	}
	return kp.private, nil
}

// VerificationKey implements KeyStore.
func (s *StaticKeyStore) VerificationKey(delegatorURN string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[delegatorURN]
	if !ok {
		return nil, fmt.Errorf("delegation: no verification key for %s", delegatorURN)
	}
	return kp.public, nil
}
