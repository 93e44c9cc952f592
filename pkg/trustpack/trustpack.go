// Copyright 2025 Certen Protocol
//
// Package trustpack implements the trust pack archive format and the
// offline verifier it enables (spec §4.9): a zstandard-compressed tar
// archive carrying root certificates, a known-issuer directory, optional
// TSA roots and CRL snapshots, all bound together by one signature over
// a canonical representation of the pack's contents.
//
// Grounded on original_source/offline-kit/src/trust.rs's entry layout,
// size caps, and path-traversal checks, re-expressed with
// archive/tar + github.com/klauspost/compress/zstd (a real dependency
// already pulled in by the sigstore-policy-controller branch of the
// example pack) instead of the Rust zstd/tar crates. Signature
// verification routes through pkg/canon, the same canonicalizer every
// other digest-bearing surface in this module uses (spec §9 "centralize
// canonicalization").
package trustpack

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/c2concierge/retrosign/pkg/canon"
	"github.com/c2concierge/retrosign/pkg/errs"
	"github.com/c2concierge/retrosign/pkg/model"
)

const (
	entryManifest = "manifest.json"
	entryRoots    = "roots.pem"
	entryIssuers  = "issuers.json"
	entryTSARoots = "tsa_roots.pem"
	crlPrefix     = "crl/"
	entrySig      = "signature.json"

	maxJSONOrPEMSize = 10 * 1024 * 1024
	maxCRLSize       = 50 * 1024 * 1024
)

// Build serializes pack into a zstd-compressed tar archive in the
// layout spec §4.9 names. Build does not sign the pack; callers set
// pack.Signature to a signature over CanonicalBinding(pack) (see
// canonical.go) before calling Build.
func Build(w io.Writer, pack model.TrustPack) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("trustpack: new zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	manifestJSON, err := marshalEntry(pack.Manifest)
	if err != nil {
		return err
	}
	if err := writeEntry(tw, entryManifest, manifestJSON); err != nil {
		return err
	}
	if err := writeEntry(tw, entryRoots, pack.RootsPEM); err != nil {
		return err
	}
	issuersJSON, err := marshalEntry(pack.Issuers)
	if err != nil {
		return err
	}
	if err := writeEntry(tw, entryIssuers, issuersJSON); err != nil {
		return err
	}
	if len(pack.TSARootsPEM) > 0 {
		if err := writeEntry(tw, entryTSARoots, pack.TSARootsPEM); err != nil {
			return err
		}
	}
	crlNames := make([]string, 0, len(pack.CRLSnapshots))
	for name := range pack.CRLSnapshots {
		crlNames = append(crlNames, name)
	}
	sort.Strings(crlNames)
	for _, name := range crlNames {
		if err := writeEntry(tw, crlPrefix+name, pack.CRLSnapshots[name]); err != nil {
			return err
		}
	}
	sigJSON, err := marshalEntry(pack.Signature)
	if err != nil {
		return err
	}
	return writeEntry(tw, entrySig, sigJSON)
}

func marshalEntry(v any) ([]byte, error) {
	b, err := canon.Canonicalize(v)
	if err != nil {
		return nil, fmt.Errorf("trustpack: marshal entry: %w", err)
	}
	return b, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("trustpack: write header %s: %w", name, err)
	}
	_, err := tw.Write(data)
	return err
}

// Load decompresses and parses a trust pack archive, enforcing spec
// §4.9's load contract: reject oversize entries, reject missing
// required entries, reject path-escaping entries, and reject a pack
// whose signature does not verify (via the supplied PackSignatureVerifier).
//
// Load never performs network I/O — it only reads from r.
func Load(r io.Reader, verifier PackSignatureVerifier) (model.TrustPack, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return model.TrustPack{}, fmt.Errorf("trustpack: new zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	var pack model.TrustPack
	pack.CRLSnapshots = make(map[string][]byte)
	var haveManifest, haveRoots, haveIssuers, haveSig bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.TrustPack{}, fmt.Errorf("trustpack: read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := safeEntryPath(hdr.Name)
		if err != nil {
			return model.TrustPack{}, err
		}

		switch {
		case name == entryManifest:
			data, err := readCapped(tr, hdr.Size, maxJSONOrPEMSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			if err := unmarshalEntry(data, &pack.Manifest); err != nil {
				return model.TrustPack{}, err
			}
			haveManifest = true
		case name == entryRoots:
			data, err := readCapped(tr, hdr.Size, maxJSONOrPEMSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			pack.RootsPEM = data
			haveRoots = true
		case name == entryIssuers:
			data, err := readCapped(tr, hdr.Size, maxJSONOrPEMSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			if err := unmarshalEntry(data, &pack.Issuers); err != nil {
				return model.TrustPack{}, err
			}
			haveIssuers = true
		case name == entryTSARoots:
			data, err := readCapped(tr, hdr.Size, maxJSONOrPEMSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			pack.TSARootsPEM = data
		case strings.HasPrefix(name, crlPrefix):
			data, err := readCapped(tr, hdr.Size, maxCRLSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			pack.CRLSnapshots[strings.TrimPrefix(name, crlPrefix)] = data
		case name == entrySig:
			data, err := readCapped(tr, hdr.Size, maxJSONOrPEMSize, name)
			if err != nil {
				return model.TrustPack{}, err
			}
			if err := unmarshalEntry(data, &pack.Signature); err != nil {
				return model.TrustPack{}, err
			}
			haveSig = true
		default:
			continue // unknown entries are skipped, matching the original source
		}
	}

	if !haveManifest || !haveRoots || !haveIssuers || !haveSig {
		return model.TrustPack{}, fmt.Errorf("trustpack: %w", errs.ErrTrustPackMissingEntry)
	}

	if verifier != nil {
		if err := verifier.VerifyPackSignature(pack); err != nil {
			return model.TrustPack{}, fmt.Errorf("trustpack: %w: %v", errs.ErrTrustSignatureInvalid, err)
		}
	}

	return pack, nil
}

func unmarshalEntry(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("trustpack: unmarshal entry: %w", err)
	}
	return nil
}

func readCapped(r io.Reader, declaredSize int64, cap int64, name string) ([]byte, error) {
	if declaredSize > cap {
		return nil, fmt.Errorf("trustpack: %w: entry %s declares %d bytes (cap %d)", errs.ErrTrustPackTooLarge, name, declaredSize, cap)
	}
	buf := make([]byte, 0, declaredSize)
	limited := io.LimitReader(r, cap+1)
	b := bytes.NewBuffer(buf)
	n, err := io.Copy(b, limited)
	if err != nil {
		return nil, fmt.Errorf("trustpack: read entry %s: %w", name, err)
	}
	if n > cap {
		return nil, fmt.Errorf("trustpack: %w: entry %s exceeds %d bytes", errs.ErrTrustPackTooLarge, name, cap)
	}
	return b.Bytes(), nil
}

// safeEntryPath rejects any archive entry whose name is absolute or
// escapes the archive root via "..", matching original_source's
// path-traversal guard (trust.rs's canonicalize-and-prefix-check,
// re-expressed here with path.Clean since Go tar entries always use
// forward slashes).
func safeEntryPath(name string) (string, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("trustpack: %w: %s", errs.ErrPathEscape, name)
	}
	return clean, nil
}

// PackSignatureVerifier checks a loaded pack's signature against a
// built-in trusted signer directory, kept as an interface so
// trustpack.Load stays agnostic to which algorithm (ES256/Ed25519) and
// signer set a given deployment trusts; see canonical.go for the
// concrete implementation.
type PackSignatureVerifier interface {
	VerifyPackSignature(pack model.TrustPack) error
}
