// Copyright 2025 Certen Protocol
//
// Cloud Storage-backed manifest store.

package manifeststore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStoreConfig mirrors this codebase's enabled/no-op configuration
// pattern for optional cloud integrations: when Enabled is false,
// NewGCSStore logs and returns a no-op store instead of constructing a
// real client, rather than requiring every caller to branch on whether
// cloud storage is configured.
type GCSStoreConfig struct {
	Enabled bool
	Bucket  string
	Logger  *log.Logger
}

// GCSStore is the Cloud Storage-backed manifest store.
type GCSStore struct {
	enabled bool
	bucket  string
	client  *storage.Client
	logger  *log.Logger
}

// NewGCSStore constructs a GCS-backed store, or a no-op store when cfg is
// disabled.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[manifeststore-gcs] ", log.LstdFlags)
	}

	if !cfg.Enabled {
		logger.Println("GCS manifest store is DISABLED - running in no-op mode")
		return &GCSStore{enabled: false, logger: logger}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifeststore: create GCS client: %w", err)
	}

	return &GCSStore{enabled: true, bucket: cfg.Bucket, client: client, logger: logger}, nil
}

func (g *GCSStore) object(tenant, digestHex string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(Key(tenant, digestHex))
}

// Put writes bytes at tenant/digestHex, succeeding as a no-op when the
// store is disabled and skipping the write when the object already
// exists (idempotent publish).
func (g *GCSStore) Put(ctx context.Context, tenant, digestHex string, bytes []byte) error {
	if err := verifyDigest(digestHex, bytes); err != nil {
		return err
	}
	if !g.enabled {
		return nil
	}

	exists, err := g.Exists(ctx, tenant, digestHex)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	w := g.object(tenant, digestHex).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/c2pa+json"
	if _, err := w.Write(bytes); err != nil {
		w.Close()
		return fmt.Errorf("manifeststore: write GCS object: %w", err)
	}
	if err := w.Close(); err != nil {
		// A precondition-failed close means another writer won the race
		// to create this content-addressed object first, which is fine:
		// the key is content-derived, so whichever writer wins, the
		// bytes at the key are the ones that belong there.
		exists, existsErr := g.Exists(ctx, tenant, digestHex)
		if existsErr == nil && exists {
			return nil
		}
		return fmt.Errorf("manifeststore: finalize GCS object: %w", err)
	}
	return nil
}

// Get reads the manifest at tenant/digestHex.
func (g *GCSStore) Get(ctx context.Context, tenant, digestHex string) ([]byte, error) {
	if !g.enabled {
		return nil, fmt.Errorf("manifeststore: GCS store is disabled")
	}
	r, err := g.object(tenant, digestHex).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifeststore: open GCS object: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Exists reports whether tenant/digestHex is present.
func (g *GCSStore) Exists(ctx context.Context, tenant, digestHex string) (bool, error) {
	if !g.enabled {
		return false, nil
	}
	_, err := g.object(tenant, digestHex).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("manifeststore: stat GCS object: %w", err)
	}
	return true, nil
}

// List returns the digest-hex identifiers under tenant matching prefix.
func (g *GCSStore) List(ctx context.Context, tenant, prefix string) ([]string, error) {
	if !g.enabled {
		return nil, nil
	}
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{
		Prefix: fmt.Sprintf("tenants/%s/%s", tenant, prefix),
	})
	var out []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("manifeststore: list GCS objects: %w", err)
		}
		out = append(out, extractDigestHex(attrs.Name))
	}
	return out, nil
}

func extractDigestHex(objectName string) string {
	const suffix = ".c2pa"
	name := objectName
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		name = name[:len(name)-len(suffix)]
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
