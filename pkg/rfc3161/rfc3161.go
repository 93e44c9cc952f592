// Copyright 2025 Certen Protocol
//
// Package rfc3161 parses and verifies RFC 3161 timestamp tokens
// in-process, replacing the original source's `openssl ts` CLI
// shell-out (original_source/offline-kit/src/timestamp.rs) per spec
// §9's redesign flag. One parser serves two call sites: the executor's
// Timestamp pipeline stage and the offline verifier's timestamp-token
// check, so there is exactly one place that understands the wire
// format.
package rfc3161

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/c2concierge/retrosign/pkg/errs"
)

// Token is a parsed, not-yet-verified RFC 3161 timestamp token.
type Token struct {
	// Imprint is the hashed message bound into the token — the digest
	// that was submitted to the TSA.
	Imprint       []byte
	HashAlgorithm crypto.Hash
	GenTime       time.Time
	Certificates  []*x509.Certificate

	envelope *pkcs7.PKCS7
}

// BuildRequest constructs a binary RFC 3161 timestamp request over a
// 32-byte SHA-256 digest, suitable for POSTing to a TSA.
func BuildRequest(digest [32]byte) ([]byte, error) {
	req, err := timestamp.CreateRequest(bytes.NewReader(digest[:]), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rfc3161: create request: %w", err)
	}
	return req, nil
}

// ParseToken parses a DER-encoded RFC 3161 timestamp token (the
// TimeStampToken embedded in a TSA response, itself a CMS/PKCS#7
// SignedData structure). The enclosing SignedData envelope is parsed
// separately from the TSTInfo fields so the signed-data signature can
// be checked on its own (Verify) independent of the timestamp content
// (GenTime/Imprint).
func ParseToken(der []byte) (*Token, error) {
	envelope, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("rfc3161: %w: parse signed-data envelope: %v", errs.ErrTimestampInvalid, err)
	}

	ts, err := timestamp.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("rfc3161: %w: parse TSTInfo: %v", errs.ErrTimestampInvalid, err)
	}

	return &Token{
		Imprint:       ts.HashedMessage,
		HashAlgorithm: ts.HashAlgorithm,
		GenTime:       ts.Time,
		Certificates:  ts.Certificates,
		envelope:      envelope,
	}, nil
}

// VerifySignature checks the token's enclosing SignedData signature,
// independent of any certificate chain validation.
func (t *Token) VerifySignature() error {
	if err := t.envelope.Verify(); err != nil {
		return fmt.Errorf("rfc3161: %w: signed-data verify: %v", errs.ErrTimestampInvalid, err)
	}
	return nil
}

// VerifyImprint confirms the token's bound digest matches digest —
// the content-binding check a timestamp exists to make.
func (t *Token) VerifyImprint(digest [32]byte) error {
	if t.HashAlgorithm != crypto.SHA256 {
		return fmt.Errorf("rfc3161: %w: unexpected hash algorithm %v", errs.ErrTimestampInvalid, t.HashAlgorithm)
	}
	if !bytes.Equal(t.Imprint, digest[:]) {
		return fmt.Errorf("rfc3161: %w: imprint does not match signed digest", errs.ErrTimestampInvalid)
	}
	return nil
}

// VerifyChain validates the token's signing certificate against a pool
// of trusted TSA roots.
func (t *Token) VerifyChain(roots *x509.CertPool) error {
	if len(t.Certificates) == 0 {
		return fmt.Errorf("rfc3161: %w: token carries no certificates", errs.ErrTimestampInvalid)
	}
	leaf := t.Certificates[0]
	intermediates := x509.NewCertPool()
	for _, c := range t.Certificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	if err != nil {
		return fmt.Errorf("rfc3161: %w: chain verify: %v", errs.ErrTimestampInvalid, err)
	}
	return nil
}

// RootsFromPEM parses a PEM bundle of TSA root certificates into a pool.
func RootsFromPEM(pem []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("rfc3161: no certificates found in TSA roots PEM")
	}
	return pool, nil
}
