// Copyright 2025 Certen Protocol
//
// Tests for the offline trust pack verifier.

package trustpack

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c2concierge/retrosign/pkg/model"
)

// issueTestCert creates a minimal self-signed leaf certificate and
// returns its ECDSA key alongside its PEM-encoded chain (a single
// self-signed entry, enough to validate against a matching root pool).
func issueTestCert(t *testing.T, notBefore, notAfter time.Time) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-signer"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	chainPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return key, chainPEM
}

func buildManifest(t *testing.T, key *ecdsa.PrivateKey, chainPEM string, contentDigest [32]byte, assertions any) []byte {
	t.Helper()
	sig, err := ecdsa.SignASN1(rand.Reader, key, contentDigest[:])
	require.NoError(t, err)

	manifest := map[string]any{
		"contentDigest": hex.EncodeToString(contentDigest[:]),
		"signature": map[string]any{
			"alg":          "ES256",
			"value":        base64.StdEncoding.EncodeToString(sig),
			"claimDigest":  hex.EncodeToString(contentDigest[:]),
			"certChainPEM": chainPEM,
		},
	}
	if assertions != nil {
		manifest["assertions"] = assertions
	}
	b, err := json.Marshal(manifest)
	require.NoError(t, err)
	return b
}

func packWithRoot(rootPEM string) model.TrustPack {
	return model.TrustPack{
		Manifest: model.TrustPackManifest{AsOf: time.Now().UTC()},
		RootsPEM: []byte(rootPEM),
	}
}

func TestVerifyAsset_FullyVerified(t *testing.T) {
	key, chainPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	asset := []byte("hello world")
	digest := sha256.Sum256(asset)
	manifestJSON := buildManifest(t, key, chainPEM, digest, nil)

	pack := packWithRoot(chainPEM)
	v := NewVerifier(pack, 90*24*time.Hour)

	res, err := v.VerifyAsset(asset, manifestJSON)
	require.NoError(t, err)
	require.Equal(t, model.VerdictVerifiedWithWarnings, res.Verdict) // no timestamp token present -> warning-grade
}

func TestVerifyAsset_ContentMismatchIsUnverified(t *testing.T) {
	key, chainPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	asset := []byte("hello world")
	digest := sha256.Sum256(asset)
	manifestJSON := buildManifest(t, key, chainPEM, digest, nil)

	pack := packWithRoot(chainPEM)
	v := NewVerifier(pack, 90*24*time.Hour)

	tamperedAsset := []byte("goodbye world")
	res, err := v.VerifyAsset(tamperedAsset, manifestJSON)
	require.NoError(t, err)
	require.Equal(t, model.VerdictUnverified, res.Verdict)
}

func TestVerifyAsset_UnresolvedRemoteReference(t *testing.T) {
	key, chainPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	asset := []byte("hello world")
	digest := sha256.Sum256(asset)
	manifestJSON := buildManifest(t, key, chainPEM, digest, []any{"https://example.com/thumbnail.jpg"})

	pack := packWithRoot(chainPEM)
	v := NewVerifier(pack, 90*24*time.Hour)

	res, err := v.VerifyAsset(asset, manifestJSON)
	require.NoError(t, err)
	require.Equal(t, model.VerdictUnresolved, res.Verdict)
	require.Len(t, res.UnresolvedReferences, 1)
}

func TestVerifyAsset_UntrustedSignerIsUnverified(t *testing.T) {
	key, chainPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	_, otherRootPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	asset := []byte("hello world")
	digest := sha256.Sum256(asset)
	manifestJSON := buildManifest(t, key, chainPEM, digest, nil)

	pack := packWithRoot(otherRootPEM) // trust pack roots do not include this signer's cert
	v := NewVerifier(pack, 90*24*time.Hour)

	res, err := v.VerifyAsset(asset, manifestJSON)
	require.NoError(t, err)
	require.Equal(t, model.VerdictUnverified, res.Verdict)
}

func TestVerifyAsset_TrustPackOutdated(t *testing.T) {
	key, chainPEM := issueTestCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	asset := []byte("hello world")
	digest := sha256.Sum256(asset)
	manifestJSON := buildManifest(t, key, chainPEM, digest, nil)

	pack := packWithRoot(chainPEM)
	pack.Manifest.AsOf = time.Now().Add(-120 * 24 * time.Hour)
	v := NewVerifier(pack, 90*24*time.Hour)

	res, err := v.VerifyAsset(asset, manifestJSON)
	require.NoError(t, err)
	require.Equal(t, model.VerdictTrustOutdated, res.Verdict)
}

func TestVerdictExitCodes(t *testing.T) {
	require.Equal(t, 0, model.VerdictVerified.ExitCode())
	require.Equal(t, 2, model.VerdictVerifiedWithWarnings.ExitCode())
	require.Equal(t, 3, model.VerdictUnverified.ExitCode())
	require.Equal(t, 4, model.VerdictUnresolved.ExitCode())
	require.Equal(t, 10, model.VerdictTrustOutdated.ExitCode())
}

func TestWorseVerdictPrecedence(t *testing.T) {
	require.Equal(t, model.VerdictUnresolved, model.WorseVerdict(model.VerdictUnresolved, model.VerdictVerified))
	require.Equal(t, model.VerdictUnverified, model.WorseVerdict(model.VerdictUnverified, model.VerdictTrustOutdated))
	require.Equal(t, model.VerdictTrustOutdated, model.WorseVerdict(model.VerdictTrustOutdated, model.VerdictVerifiedWithWarnings))
}
