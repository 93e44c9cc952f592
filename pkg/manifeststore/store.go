// Copyright 2025 Certen Protocol
//
// Package manifeststore implements the content-addressed manifest store
// (spec §4.4): objects keyed by tenants/<tenant>/<digest_hex>.c2pa, with
// an idempotent Put and a digest-matches-key invariant enforced on
// write. Two backends satisfy the same Store interface, both grounded on
// this codebase's enabled/no-op client pattern for optional cloud
// integrations.
package manifeststore

import (
	"context"
	"fmt"

	"github.com/c2concierge/retrosign/pkg/canon"
	"github.com/c2concierge/retrosign/pkg/errs"
)

// Store is the manifest store contract.
type Store interface {
	// Put writes bytes under tenant/digestHex. It is idempotent: if the
	// key already exists, Put succeeds without rewriting.
	Put(ctx context.Context, tenant, digestHex string, bytes []byte) error
	Get(ctx context.Context, tenant, digestHex string) ([]byte, error)
	Exists(ctx context.Context, tenant, digestHex string) (bool, error)
	// List returns every digest hex under tenant whose hex form has the
	// given prefix (empty prefix lists everything).
	List(ctx context.Context, tenant, prefix string) ([]string, error)
}

// Key builds the canonical manifest-store key for a tenant/digest pair.
func Key(tenant, digestHex string) string {
	return fmt.Sprintf("tenants/%s/%s.c2pa", tenant, digestHex)
}

// verifyDigest recomputes the manifest digest of bytes and confirms it
// equals digestHex, enforcing spec §4.4's invariant: "the bytes stored at
// k decode to a manifest whose digest equals k's digest segment".
func verifyDigest(digestHex string, bytes []byte) error {
	want, err := canon.DigestFromHex(digestHex)
	if err != nil {
		return fmt.Errorf("manifeststore: %w: %w", errs.ErrInvalidDigestHex, err)
	}
	canonical, err := canon.Canonicalize(bytes)
	if err != nil {
		return fmt.Errorf("manifeststore: canonicalize manifest body: %w", err)
	}
	got := canon.Digest(canonical)
	if got.Hex != want.Hex {
		return fmt.Errorf("manifeststore: %w: key %s, computed %s", errs.ErrDigestMismatch, want.Hex, got.Hex)
	}
	return nil
}
