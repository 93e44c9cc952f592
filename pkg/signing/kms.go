// Copyright 2025 Certen Protocol
//
// GCP KMS-backed signing backend.

package signing

import (
	"context"
	"fmt"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSOptions configures the Google Cloud KMS signing backend. HSM
// protection level (spec's "cloud HSM" variant) is selected by the key
// ring's own protection level, not by a separate client — Cloud KMS
// exposes both through the same AsymmetricSign RPC.
type KMSOptions struct {
	// KeyVersionName is the full resource name of the asymmetric signing
	// key version, e.g.
	// "projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1".
	// One key version per tenant; callers configure one KMSOptions per
	// tenant via the factory.
	KeyVersionName string
}

// KMSBackend signs through Google Cloud KMS's AsymmetricSign RPC.
type KMSBackend struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSBackend constructs a backend bound to a single KMS key version.
func NewKMSBackend(ctx context.Context, opts KMSOptions) (*KMSBackend, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing: create KMS client: %w", err)
	}
	return &KMSBackend{client: client, keyName: opts.KeyVersionName}, nil
}

// SignES256 signs digest via AsymmetricSign. digest must already be the
// SHA-256 prehash; Cloud KMS does not hash it again.
func (k *KMSBackend) SignES256(ctx context.Context, _ string, digest [32]byte) ([]byte, error) {
	req := &kmspb.AsymmetricSignRequest{
		Name: k.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest[:]},
		},
	}
	resp, err := k.client.AsymmetricSign(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("signing: KMS AsymmetricSign: %w", err)
	}
	return resp.GetSignature(), nil
}

// PublicKeyPEM fetches the key version's SPKI-encoded public key.
func (k *KMSBackend) PublicKeyPEM(ctx context.Context, _ string) (string, error) {
	resp, err := k.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: k.keyName})
	if err != nil {
		return "", fmt.Errorf("signing: KMS GetPublicKey: %w", err)
	}
	return resp.GetPem(), nil
}

// KeyMetadata reports the backend kind, key version name, and validity
// derived from the key version's state.
func (k *KMSBackend) KeyMetadata(ctx context.Context, _ string) (KeyMetadata, error) {
	kv, err := k.client.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: k.keyName})
	if err != nil {
		return KeyMetadata{}, fmt.Errorf("signing: KMS GetCryptoKeyVersion: %w", err)
	}
	return KeyMetadata{
		BackendKind: "kms",
		KeyID:       k.keyName,
		Algorithm:   "ES256",
		ValidityWindow: [2]time.Time{
			kv.GetCreateTime().AsTime(),
			time.Time{}, // Cloud KMS key versions have no fixed expiry
		},
	}, nil
}

// HealthCheck reports whether the bound key version is ENABLED.
func (k *KMSBackend) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	kv, err := k.client.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: k.keyName})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Health{Healthy: false, LatencyMS: latency, LastCheck: time.Now().UTC(), Error: err.Error()}, nil
	}
	healthy := kv.GetState() == kmspb.CryptoKeyVersion_ENABLED
	return Health{Healthy: healthy, LatencyMS: latency, LastCheck: time.Now().UTC()}, nil
}
