// Copyright 2025 Certen Protocol
//
// Sentinel errors for the signing backend interface.

package signing

import (
	"errors"

	coreerrs "github.com/c2concierge/retrosign/pkg/errs"
)

// These re-export the errs sentinels relevant to signing so call sites in
// this package can use errors.Is without importing two packages for one
// concept; the taxonomy classification still lives in pkg/errs.
var (
	ErrInvalidDigest  = coreerrs.ErrInvalidDigest
	ErrKeyUnavailable = coreerrs.ErrKeyUnavailable
	ErrKeyDisabled    = coreerrs.ErrKeyDisabled
)

// ErrUnknownBackendKind is returned by the factory when BackendConfig.Kind
// names no registered variant.
var ErrUnknownBackendKind = errors.New("signing: unknown backend kind")

// ErrMissingOptions is returned by the factory when BackendConfig.Kind
// selects a variant whose matching options struct is nil.
var ErrMissingOptions = errors.New("signing: backend config missing options for its kind")
