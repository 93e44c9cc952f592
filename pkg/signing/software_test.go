// Copyright 2025 Certen Protocol
//
// Tests for the in-process software signing backend.

package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoftwareBackendSignAndVerify(t *testing.T) {
	backend := NewSoftwareBackend(SoftwareOptions{KeyID: "test-key"})
	digest := sha256.Sum256([]byte("manifest bytes"))

	sig, err := backend.SignES256(context.Background(), "tenant-a", digest)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	pemStr, err := backend.PublicKeyPEM(context.Background(), "tenant-a")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(pemStr))
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	ecPub, ok := pub.(*ecdsa.PublicKey)
	require.True(t, ok)
	require.True(t, ecdsa.VerifyASN1(ecPub, digest[:], sig))
}

func TestSoftwareBackendPerTenantKeys(t *testing.T) {
	backend := NewSoftwareBackend(SoftwareOptions{})

	pemA, err := backend.PublicKeyPEM(context.Background(), "tenant-a")
	require.NoError(t, err)
	pemB, err := backend.PublicKeyPEM(context.Background(), "tenant-b")
	require.NoError(t, err)
	require.NotEqual(t, pemA, pemB)

	// Stable across repeated calls for the same tenant.
	pemAAgain, err := backend.PublicKeyPEM(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, pemA, pemAAgain)
}

func TestSoftwareBackendHealthCheck(t *testing.T) {
	backend := NewSoftwareBackend(SoftwareOptions{})
	health, err := backend.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, health.Healthy)
}

func TestNewBackendRejectsUnknownKind(t *testing.T) {
	_, err := NewBackend(context.Background(), BackendConfig{Kind: "nonsense"})
	require.ErrorIs(t, err, ErrUnknownBackendKind)
}

func TestNewBackendRejectsMismatchedOptions(t *testing.T) {
	_, err := NewBackend(context.Background(), BackendConfig{Kind: "software"})
	require.ErrorIs(t, err, ErrMissingOptions)
}

func TestRegistryRegisterAndStats(t *testing.T) {
	reg := NewRegistry()
	backend := NewSoftwareBackend(SoftwareOptions{})

	reg.Register("tenant-a", "software", backend)
	reg.Register("tenant-b", "software", backend)

	require.True(t, reg.Has("tenant-a"))
	require.False(t, reg.Has("tenant-missing"))
	require.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, reg.List())
	require.Equal(t, 2, reg.Stats()["software"])
}
