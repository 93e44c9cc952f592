// Copyright 2025 Certen Protocol
//
// Package signing implements the uniform signing backend interface over
// heterogeneous key custodians (spec §4.2): a hardware module, cloud KMS,
// cloud HSM, Vault transit secret, and an in-process software fallback.
// The factory (NewBackend) is adapted from this codebase's strategy
// registry — a tagged-configuration-to-concrete-type construction with a
// Register/Get/List surface — generalized from keying by attestation
// scheme/chain platform to keying by BackendKind.
package signing

import (
	"context"
	"time"
)

// KeyMetadata describes a tenant's active signing key.
type KeyMetadata struct {
	BackendKind    string
	KeyID          string
	Algorithm      string // always "ES256"
	ValidityWindow [2]time.Time
	Attestation    string // opaque, backend-specific; empty if unavailable
}

// Health reports a backend's current operating status.
type Health struct {
	Healthy   bool
	LatencyMS int64
	LastCheck time.Time
	Error     string
}

// Backend is the uniform operation set exposed over any custodian
// (spec §4.2).
type Backend interface {
	// SignES256 signs a 32-byte SHA-256 prehash with ECDSA P-256,
	// returning a standards-compliant DER signature.
	SignES256(ctx context.Context, tenant string, digest [32]byte) ([]byte, error)
	// PublicKeyPEM returns the tenant's active SPKI-encoded P-256 public
	// key in PEM form.
	PublicKeyPEM(ctx context.Context, tenant string) (string, error)
	KeyMetadata(ctx context.Context, tenant string) (KeyMetadata, error)
	HealthCheck(ctx context.Context) (Health, error)
}
