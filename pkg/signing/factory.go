// Copyright 2025 Certen Protocol
//
// Tagged-configuration backend factory and registry.

package signing

import (
	"context"
	"fmt"
	"sync"

	"github.com/c2concierge/retrosign/pkg/model"
)

// BackendConfig is a tagged configuration: Kind selects which of the four
// options structs must be non-nil. The factory rejects unknown Kind values
// and Kind/options mismatches at construction rather than deferring to a
// runtime type assertion failure. Kind uses model.BackendKind so the
// vocabulary matches KeyConfig.BackendKind throughout the rotation and
// policy layers.
type BackendConfig struct {
	Kind     model.BackendKind
	Software *SoftwareOptions
	KMS      *KMSOptions
	HSM      *HSMOptions
	Transit  *TransitOptions
}

// NewBackend constructs the concrete Backend named by cfg.Kind. BackendKMS
// and BackendCloudHSM both resolve to KMSBackend: Cloud KMS selects HSM
// protection level by the key ring's own configuration, not by a distinct
// client.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case model.BackendSoftware:
		if cfg.Software == nil {
			return nil, fmt.Errorf("%w: kind=software", ErrMissingOptions)
		}
		return NewSoftwareBackend(*cfg.Software), nil
	case model.BackendKMS, model.BackendCloudHSM:
		if cfg.KMS == nil {
			return nil, fmt.Errorf("%w: kind=%s", ErrMissingOptions, cfg.Kind)
		}
		return NewKMSBackend(ctx, *cfg.KMS)
	case model.BackendHSM:
		if cfg.HSM == nil {
			return nil, fmt.Errorf("%w: kind=hsm", ErrMissingOptions)
		}
		return NewHSMBackend(*cfg.HSM)
	case model.BackendTransit:
		if cfg.Transit == nil {
			return nil, fmt.Errorf("%w: kind=transit", ErrMissingOptions)
		}
		return NewTransitBackend(*cfg.Transit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackendKind, cfg.Kind)
	}
}

// Registry holds one constructed Backend per tenant, adapted from this
// codebase's strategy registry: a mutex-guarded map keyed by an identifier
// external callers supply, with Register/Get/Has/List/Stats.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	kinds    map[string]model.BackendKind
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		kinds:    make(map[string]model.BackendKind),
	}
}

// Register binds a tenant to a constructed Backend, replacing any prior
// binding. Used by rotation cutover to swap in a freshly-built backend
// without disturbing lookups for other tenants.
func (r *Registry) Register(tenant string, kind model.BackendKind, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[tenant] = backend
	r.kinds[tenant] = kind
}

// Get returns the backend bound to tenant, or false if none is registered.
func (r *Registry) Get(tenant string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[tenant]
	return b, ok
}

// Has reports whether tenant has a bound backend.
func (r *Registry) Has(tenant string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[tenant]
	return ok
}

// List returns all tenants with a bound backend.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenants := make([]string, 0, len(r.backends))
	for t := range r.backends {
		tenants = append(tenants, t)
	}
	return tenants
}

// Stats returns the count of registered tenants per backend kind.
func (r *Registry) Stats() map[model.BackendKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[model.BackendKind]int)
	for _, k := range r.kinds {
		stats[k]++
	}
	return stats
}
