// Copyright 2025 Certen Protocol
//
// Canonical signature binding and signer directory verification for trust packs.

package trustpack

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/c2concierge/retrosign/pkg/canon"
	"github.com/c2concierge/retrosign/pkg/model"
)

// CanonicalBinding returns the canonical byte string a trust pack's
// signature is computed over: the manifest plus SHA-256 hashes of the
// roots/issuers/TSA-roots entries, so the signature binds the whole pack
// without needing to re-serialize every entry's raw bytes verbatim.
// Grounded on original_source/offline-kit/src/trust.rs's
// create_canonical_representation, re-expressed over pkg/canon instead
// of serde_json's default object ordering.
func CanonicalBinding(pack model.TrustPack) ([]byte, error) {
	tsaHash := "none"
	if len(pack.TSARootsPEM) > 0 {
		tsaHash = sha256Hex(pack.TSARootsPEM)
	}
	issuersJSON, err := canon.Canonicalize(pack.Issuers)
	if err != nil {
		return nil, fmt.Errorf("trustpack: canonicalize issuers: %w", err)
	}
	binding := map[string]any{
		"manifest":       pack.Manifest,
		"roots_hash":     sha256Hex(pack.RootsPEM),
		"issuers_hash":   sha256Hex(issuersJSON),
		"tsa_roots_hash": tsaHash,
	}
	return canon.Canonicalize(binding)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SignerDirectory is a built-in set of trusted signer public keys,
// keyed by signer identifier, used to verify a loaded trust pack's
// signature without any network lookup (spec §4.9 "built-in trusted
// signer directory").
type SignerDirectory map[string]SignerKey

// SignerKey is one entry in a SignerDirectory: the algorithm the signer
// uses, and its public key as an SPKI ("PUBLIC KEY") PEM block, for
// both ES256 and Ed25519.
type SignerKey struct {
	Alg    string
	KeyPEM []byte
}

// DirectoryVerifier verifies a trust pack's signature against a fixed
// SignerDirectory, implementing trustpack.PackSignatureVerifier.
type DirectoryVerifier struct {
	Directory SignerDirectory
}

// NewDirectoryVerifier constructs a DirectoryVerifier over dir.
func NewDirectoryVerifier(dir SignerDirectory) *DirectoryVerifier {
	return &DirectoryVerifier{Directory: dir}
}

// VerifyPackSignature checks pack.Signature against the canonical
// binding of pack's contents, using the public key registered for
// pack.Signature.Signer. An unrecognized signer, algorithm mismatch, or
// bad signature are all equally a hard fail (spec §7 "Trust errors...
// Hard fail of the verifier").
func (d *DirectoryVerifier) VerifyPackSignature(pack model.TrustPack) error {
	key, ok := d.Directory[pack.Signature.Signer]
	if !ok {
		return fmt.Errorf("trustpack: unrecognized signer %q", pack.Signature.Signer)
	}
	if key.Alg != pack.Signature.Alg {
		return fmt.Errorf("trustpack: signer %q uses %s, pack claims %s", pack.Signature.Signer, key.Alg, pack.Signature.Alg)
	}

	binding, err := CanonicalBinding(pack)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(binding)

	switch pack.Signature.Alg {
	case "ES256":
		pub, err := parseECPublicKey(key.KeyPEM)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(pub, digest[:], pack.Signature.Signature) {
			return fmt.Errorf("trustpack: ES256 signature verification failed")
		}
		return nil
	case "Ed25519":
		pub, err := parseEd25519PublicKey(key.KeyPEM)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, binding, pack.Signature.Signature) {
			return fmt.Errorf("trustpack: Ed25519 signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("trustpack: unsupported signature algorithm %q", pack.Signature.Alg)
	}
}

func parseECPublicKey(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("trustpack: invalid PEM for signer public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("trustpack: parse SPKI public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("trustpack: signer public key is not ECDSA")
	}
	return ecPub, nil
}

func parseEd25519PublicKey(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("trustpack: invalid PEM for signer public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("trustpack: parse SPKI public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("trustpack: signer public key is not Ed25519")
	}
	return edPub, nil
}
