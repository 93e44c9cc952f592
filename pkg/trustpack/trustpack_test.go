// Copyright 2025 Certen Protocol
//
// Tests for trust pack build/load round-tripping.

package trustpack

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c2concierge/retrosign/pkg/model"
)

func testPack(t *testing.T, signerKey *ecdsa.PrivateKey) model.TrustPack {
	t.Helper()
	pack := model.TrustPack{
		Manifest: model.TrustPackManifest{
			Version:    "1",
			CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			AsOf:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			PackHashes: map[string]string{"roots.pem": "abc"},
			PackKind:   "production",
		},
		RootsPEM: []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"),
		Issuers: []model.TrustedIssuer{
			{Subject: "CN=Example CA", Serial: "1", Fingerprint: "ff"},
		},
	}

	binding, err := CanonicalBinding(pack)
	require.NoError(t, err)
	digest := sha256.Sum256(binding)
	sig, err := ecdsa.SignASN1(rand.Reader, signerKey, digest[:])
	require.NoError(t, err)

	pack.Signature = model.TrustSignature{Alg: "ES256", Signer: "test-signer", Signature: sig}
	return pack
}

func TestBuildLoadRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pack := testPack(t, key)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	dir := SignerDirectory{"test-signer": {Alg: "ES256", KeyPEM: pubPEM}}
	verifier := NewDirectoryVerifier(dir)

	var buf bytes.Buffer
	require.NoError(t, Build(&buf, pack))

	loaded, err := Load(&buf, verifier)
	require.NoError(t, err)
	require.Equal(t, pack.Manifest.Version, loaded.Manifest.Version)
	require.Equal(t, pack.RootsPEM, loaded.RootsPEM)
	require.Equal(t, pack.Issuers, loaded.Issuers)
	require.Equal(t, pack.Signature.Signer, loaded.Signature.Signer)
}

func TestLoadRejectsTamperedSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pack := testPack(t, key)
	pack.RootsPEM = []byte("-----BEGIN CERTIFICATE-----\ntampered\n-----END CERTIFICATE-----\n")

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	dir := SignerDirectory{"test-signer": {Alg: "ES256", KeyPEM: pubPEM}}
	verifier := NewDirectoryVerifier(dir)

	var buf bytes.Buffer
	require.NoError(t, Build(&buf, pack))

	_, err = Load(&buf, verifier)
	require.Error(t, err)
}

func TestLoadRejectsTruncatedArchive(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pack := testPack(t, key)

	var buf bytes.Buffer
	require.NoError(t, Build(&buf, pack))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()/2])

	_, err = Load(truncated, nil)
	require.Error(t, err)
}

func TestCanonicalBindingChangesWithContent(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	a := testPack(t, key)
	b := a
	b.RootsPEM = []byte("different")

	bindA, err := CanonicalBinding(a)
	require.NoError(t, err)
	bindB, err := CanonicalBinding(b)
	require.NoError(t, err)
	require.NotEqual(t, bindA, bindB)
}

func TestLoadRejectsPathEscape(t *testing.T) {
	_, err := safeEntryPath("../../etc/passwd")
	require.Error(t, err)

	clean, err := safeEntryPath("crl/issuer-a.crl")
	require.NoError(t, err)
	require.Equal(t, "crl/issuer-a.crl", clean)
}

func TestLoadRejectsOversizeEntry(t *testing.T) {
	_, err := readCapped(bytes.NewReader(make([]byte, 100)), 100, 10, "roots.pem")
	require.Error(t, err)
}
