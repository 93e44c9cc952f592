// Copyright 2025 Certen Protocol
//
// Package errs defines the sentinel errors used across this module,
// grouped by the error taxonomy kinds. Classification is done by
// errors.Is against these sentinels, never by string matching, so wrapped
// errors retain their kind through layers of context.
package errs

import "errors"

// Input errors: malformed data the caller supplied. Always terminal.
var (
	ErrInvalidDigest    = errors.New("errs: digest must be exactly 32 bytes")
	ErrInvalidDigestHex = errors.New("errs: digest hex must be 64 lowercase characters")
	ErrOversizeEntry    = errors.New("errs: entry exceeds its configured size cap")
	ErrInvalidTenant    = errors.New("errs: invalid tenant id")
	ErrPathEscape       = errors.New("errs: archive entry path escapes its expected prefix")
)

// Policy errors: a tenant-scoped signing decision was refused.
var (
	ErrNoSuchTenant              = errors.New("errs: no policy for tenant")
	ErrKeyDisabled               = errors.New("errs: signing disabled for tenant")
	ErrRateLimited               = errors.New("errs: per-tenant issuance rate exceeded")
	ErrOverlappingRotationWindow = errors.New("errs: rotation window overlaps an existing scheduled rotation")
)

// Backend errors: the signing custodian could not complete the request.
var (
	ErrKeyUnavailable    = errors.New("errs: signing backend unavailable")
	ErrBackendAuth       = errors.New("errs: signing backend authentication failed")
	ErrAttestationFailed = errors.New("errs: key attestation check failed")
)

// Storage errors: manifest-store or embedded-KV-store I/O failures.
var (
	ErrStorageTransient = errors.New("errs: storage operation failed transiently")
	ErrStoragePermanent = errors.New("errs: storage operation failed permanently")
	ErrDigestMismatch   = errors.New("errs: stored bytes digest does not match their key")
)

// Protocol errors: malformed wire-level data. Always permanent.
var (
	ErrSignatureLength  = errors.New("errs: signature length invalid for algorithm")
	ErrDERParse         = errors.New("errs: DER parse failure")
	ErrTimestampInvalid = errors.New("errs: timestamp token invalid")
)

// Trust errors: trust-pack loading/verification failures. Always a hard
// fail of the verifier.
var (
	ErrTrustSignatureInvalid = errors.New("errs: trust pack signature invalid")
	ErrTrustChainInvalid     = errors.New("errs: trust pack signer chain invalid")
	ErrTrustPackTooLarge     = errors.New("errs: trust pack entry exceeds its size cap")
	ErrTrustPackMissingEntry = errors.New("errs: trust pack missing a required entry")
)

// Internal errors: invariant violations. Always a hard fail.
var (
	ErrInvariantViolation = errors.New("errs: internal invariant violation")
)

// Kind classifies errors by the taxonomy in the error-handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindPolicy
	KindBackend
	KindStorage
	KindProtocol
	KindTrust
	KindInternal
)

// String renders a Kind for logging and metric labels.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindPolicy:
		return "policy"
	case KindBackend:
		return "backend"
	case KindStorage:
		return "storage"
	case KindProtocol:
		return "protocol"
	case KindTrust:
		return "trust"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ClassifyKind returns the taxonomy kind of err by checking it against
// every sentinel above with errors.Is. Unrecognized errors return
// KindUnknown; callers should treat KindUnknown as non-retryable.
func ClassifyKind(err error) Kind {
	switch {
	case errorsIsAny(err, ErrInvalidDigest, ErrInvalidDigestHex, ErrOversizeEntry, ErrInvalidTenant, ErrPathEscape):
		return KindInput
	case errorsIsAny(err, ErrNoSuchTenant, ErrKeyDisabled, ErrRateLimited, ErrOverlappingRotationWindow):
		return KindPolicy
	case errorsIsAny(err, ErrKeyUnavailable, ErrBackendAuth, ErrAttestationFailed):
		return KindBackend
	case errorsIsAny(err, ErrStorageTransient, ErrStoragePermanent, ErrDigestMismatch):
		return KindStorage
	case errorsIsAny(err, ErrSignatureLength, ErrDERParse, ErrTimestampInvalid):
		return KindProtocol
	case errorsIsAny(err, ErrTrustSignatureInvalid, ErrTrustChainInvalid, ErrTrustPackTooLarge, ErrTrustPackMissingEntry):
		return KindTrust
	case errorsIsAny(err, ErrInvariantViolation):
		return KindInternal
	default:
		return KindUnknown
	}
}

// Retryable reports whether a classified error should be retried by the
// executor rather than terminating the plan item immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited):
		return true
	case errors.Is(err, ErrKeyUnavailable):
		return true
	case errors.Is(err, ErrStorageTransient):
		return true
	default:
		return false
	}
}

func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
