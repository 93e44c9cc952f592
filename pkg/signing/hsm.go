// Copyright 2025 Certen Protocol
//
// PKCS#11 HSM-backed signing backend.

package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/letsencrypt/pkcs11key/v4"
)

// HSMOptions configures the PKCS#11 hardware-module signing backend.
type HSMOptions struct {
	Module    string // path to the PKCS#11 shared library
	TokenLabel string
	PIN        string
	PublicKey  crypto.PublicKey // the key's public half, known out of band
}

// HSMBackend signs through a PKCS#11 token via pkcs11key.Key, which
// implements crypto.Signer against the hardware module.
type HSMBackend struct {
	key *pkcs11key.Key
}

// NewHSMBackend opens a session against the configured PKCS#11 module
// and token.
func NewHSMBackend(opts HSMOptions) (*HSMBackend, error) {
	key, err := pkcs11key.New(opts.Module, opts.TokenLabel, opts.PIN, opts.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signing: open PKCS#11 session: %w", err)
	}
	return &HSMBackend{key: key}, nil
}

// SignES256 signs digest using the hardware-held P-256 key, returning a
// standards-compliant ASN.1 DER ECDSA signature.
func (h *HSMBackend) SignES256(_ context.Context, _ string, digest [32]byte) ([]byte, error) {
	sig, err := h.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing: PKCS#11 sign: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM returns the hardware key's SPKI-encoded public key.
func (h *HSMBackend) PublicKeyPEM(_ context.Context, _ string) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(h.key.Public())
	if err != nil {
		return "", fmt.Errorf("signing: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// KeyMetadata reports the bound PKCS#11 key's identity.
func (h *HSMBackend) KeyMetadata(_ context.Context, _ string) (KeyMetadata, error) {
	return KeyMetadata{BackendKind: "hsm", Algorithm: "ES256"}, nil
}

// HealthCheck always reports healthy: it reads the public key that
// pkcs11key.Key holds in memory and does not contact the module.
func (h *HSMBackend) HealthCheck(_ context.Context) (Health, error) {
	start := time.Now()
	_ = h.key.Public()
	return Health{Healthy: true, LatencyMS: time.Since(start).Milliseconds(), LastCheck: time.Now().UTC()}, nil
}
