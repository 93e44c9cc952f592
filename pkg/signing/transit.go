// Copyright 2025 Certen Protocol
//
// HashiCorp Vault Transit-backed signing backend.

package signing

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// TransitOptions configures the HashiCorp Vault Transit secrets engine
// signing backend.
type TransitOptions struct {
	Address   string // Vault server address, e.g. "https://vault.internal:8200"
	Token     string
	MountPath string // transit engine mount, default "transit"
	KeyName   string // one transit key per tenant
}

// TransitBackend signs through Vault's transit engine sign/<key> endpoint.
type TransitBackend struct {
	client  *vault.Client
	mount   string
	keyName string
}

// NewTransitBackend constructs a backend bound to one transit key.
func NewTransitBackend(opts TransitOptions) (*TransitBackend, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = opts.Address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("signing: create vault client: %w", err)
	}
	client.SetToken(opts.Token)
	mount := opts.MountPath
	if mount == "" {
		mount = "transit"
	}
	return &TransitBackend{client: client, mount: mount, keyName: opts.KeyName}, nil
}

// SignES256 signs digest via Vault's transit sign endpoint, using
// prehashed=true since digest is already the SHA-256 prehash.
func (t *TransitBackend) SignES256(ctx context.Context, _ string, digest [32]byte) ([]byte, error) {
	path := fmt.Sprintf("%s/sign/%s/sha2-256", t.mount, t.keyName)
	data := map[string]interface{}{
		"input":      base64.StdEncoding.EncodeToString(digest[:]),
		"prehashed":  true,
		"marshaling": "asn1",
	}
	secret, err := t.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("signing: vault transit sign: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("signing: vault transit sign: empty response")
	}
	sigField, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("signing: vault transit sign: missing signature field")
	}
	// Vault signatures are formatted "vault:v<version>:<base64-der>".
	parts := strings.SplitN(sigField, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("signing: vault transit sign: malformed signature %q", sigField)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("signing: vault transit sign: decode signature: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM fetches the transit key's current public key in PEM form.
func (t *TransitBackend) PublicKeyPEM(ctx context.Context, _ string) (string, error) {
	path := fmt.Sprintf("%s/keys/%s", t.mount, t.keyName)
	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("signing: vault transit read key: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("signing: vault transit read key: empty response")
	}
	latest, ok := secret.Data["latest_version"]
	if !ok {
		return "", fmt.Errorf("signing: vault transit read key: missing latest_version")
	}
	keys, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("signing: vault transit read key: missing keys map")
	}
	versionKey := fmt.Sprintf("%v", latest)
	versionData, ok := keys[versionKey].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("signing: vault transit read key: missing version %s", versionKey)
	}
	pub, ok := versionData["public_key"].(string)
	if !ok {
		return "", fmt.Errorf("signing: vault transit read key: missing public_key")
	}
	return pub, nil
}

// KeyMetadata reports the bound transit key's identity.
func (t *TransitBackend) KeyMetadata(_ context.Context, _ string) (KeyMetadata, error) {
	return KeyMetadata{BackendKind: "transit", KeyID: t.keyName, Algorithm: "ES256"}, nil
}

// HealthCheck reads the transit key to confirm Vault is reachable and the
// key exists.
func (t *TransitBackend) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/keys/%s", t.mount, t.keyName)
	_, err := t.client.Logical().ReadWithContext(ctx, path)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Health{Healthy: false, LatencyMS: latency, LastCheck: time.Now().UTC(), Error: err.Error()}, nil
	}
	return Health{Healthy: true, LatencyMS: latency, LastCheck: time.Now().UTC()}, nil
}
