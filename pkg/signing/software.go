// Copyright 2025 Certen Protocol
//
// In-process ECDSA P-256 software signing backend.

package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"
)

// SoftwareOptions configures the in-process software fallback backend.
// There is no ecosystem library that improves on stdlib's ECDSA key
// generation/signing for this narrow, in-process case — this is the one
// backend variant implemented purely on crypto/ecdsa + crypto/x509.
type SoftwareOptions struct {
	// KeyID is an opaque identifier surfaced in KeyMetadata; it has no
	// effect on signing.
	KeyID string
}

// SoftwareBackend holds one P-256 key per tenant, generated on first use.
type SoftwareBackend struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
	opts SoftwareOptions
}

// NewSoftwareBackend constructs a software backend. Keys are generated
// lazily per tenant on first SignES256/PublicKeyPEM call.
func NewSoftwareBackend(opts SoftwareOptions) *SoftwareBackend {
	return &SoftwareBackend{keys: make(map[string]*ecdsa.PrivateKey), opts: opts}
}

func (s *SoftwareBackend) keyFor(tenant string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[tenant]; ok {
		return k, nil
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate software key: %w", err)
	}
	s.keys[tenant] = k
	return k, nil
}

// SignES256 signs digest with the tenant's software key, producing a
// standards-compliant ASN.1 DER ECDSA signature.
func (s *SoftwareBackend) SignES256(_ context.Context, tenant string, digest [32]byte) ([]byte, error) {
	key, err := s.keyFor(tenant)
	if err != nil {
		return nil, err
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing: sign ES256: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM returns the tenant's SPKI-encoded P-256 public key as PEM.
func (s *SoftwareBackend) PublicKeyPEM(_ context.Context, tenant string) (string, error) {
	key, err := s.keyFor(tenant)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("signing: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// KeyMetadata describes the tenant's software key.
func (s *SoftwareBackend) KeyMetadata(_ context.Context, tenant string) (KeyMetadata, error) {
	if _, err := s.keyFor(tenant); err != nil {
		return KeyMetadata{}, err
	}
	return KeyMetadata{
		BackendKind: "software",
		KeyID:       s.opts.KeyID,
		Algorithm:   "ES256",
	}, nil
}

// HealthCheck always reports healthy: an in-process key has no external
// dependency to fail.
func (s *SoftwareBackend) HealthCheck(_ context.Context) (Health, error) {
	return Health{Healthy: true, LatencyMS: 0, LastCheck: time.Now().UTC()}, nil
}
