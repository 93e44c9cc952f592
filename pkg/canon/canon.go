// Copyright 2025 Certen Protocol
//
// Package canon implements deterministic JSON canonicalization and the
// manifest digest derived from it. Every digest-bearing surface in this
// module — manifest store, Merkle leaves, policy hashes, trust-pack
// signatures — routes through this package so there is exactly one
// canonicalization implementation to reason about.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Version identifies the canonicalization and leaf-hashing parameters in
// force. It has no behavioral effect today; it exists so a future format
// change can be detected by readers of stored manifests.
const Version = "c2c-1"

// ManifestDigest is the 32-byte SHA-256 digest of a manifest's canonical
// JSON serialization, carried alongside its lowercase hex form since hex
// is the primary external identifier (manifest-store keys, Merkle leaves).
type ManifestDigest struct {
	Bytes [32]byte
	Hex   string
}

// DigestFromHex parses a 64-character lowercase hex digest. It rejects
// any other length or character set so that downstream code can rely on
// ManifestDigest.Hex always being a valid manifest-store key segment.
func DigestFromHex(s string) (ManifestDigest, error) {
	if len(s) != 64 {
		return ManifestDigest{}, fmt.Errorf("canon: digest hex must be 64 characters, got %d", len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ManifestDigest{}, fmt.Errorf("canon: digest hex must be lowercase hex")
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ManifestDigest{}, fmt.Errorf("canon: invalid digest hex: %w", err)
	}
	var d ManifestDigest
	copy(d.Bytes[:], b)
	d.Hex = s
	return d, nil
}

// DigestFromBytes wraps a raw 32-byte digest with its hex form.
func DigestFromBytes(b [32]byte) ManifestDigest {
	return ManifestDigest{Bytes: b, Hex: hex.EncodeToString(b[:])}
}

// Canonicalize produces the canonical JSON byte string for an arbitrary
// JSON-like value: every object's keys are sorted in code-point ascending
// order, arrays preserve input order, numbers keep their original lexical
// form, and there is no insignificant whitespace. Canonicalize is
// idempotent: Canonicalize(Canonicalize(v)) reproduces the same bytes.
func Canonicalize(v any) ([]byte, error) {
	raw, err := toJSONBytes(v)
	if err != nil {
		return nil, fmt.Errorf("canon: manifest serialize error: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: manifest JSON parse error: %w", err)
	}

	ordered := canonicalValue(generic)
	return marshalNoEscape(ordered)
}

// toJSONBytes normalizes the input into raw JSON bytes regardless of
// whether it arrived as already-serialized JSON or as a Go value.
func toJSONBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return json.Marshal(v)
	}
}

// canonicalValue walks a decoded JSON tree (maps/slices/scalars as
// produced by encoding/json with UseNumber) and returns an equivalent
// orderedObject tree whose MarshalJSON emits sorted keys.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]kv, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, kv{key: k, value: canonicalValue(t[k])})
		}
		return orderedObject(pairs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	default:
		// json.Number, string, bool, nil pass through unchanged; their
		// default MarshalJSON already reproduces the minimal lexical form
		// json.Number captured from the input.
		return t
	}
}

type kv struct {
	key   string
	value any
}

// orderedObject marshals as a JSON object with keys emitted in the exact
// order given (already sorted by canonicalValue).
type orderedObject []kv

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalNoEscape(p.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := marshalNoEscape(p.value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape serializes v without encoding/json's default HTML
// escaping of '<', '>' and '&', so canonical bytes are a direct function
// of logical content rather than of whether a string happens to contain
// those characters.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest computes the manifest digest of already-canonicalized bytes.
func Digest(canonicalBytes []byte) ManifestDigest {
	return DigestFromBytes(sha256.Sum256(canonicalBytes))
}

// DigestValue canonicalizes v and returns its manifest digest in one step.
func DigestValue(v any) (ManifestDigest, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return ManifestDigest{}, err
	}
	return Digest(b), nil
}
