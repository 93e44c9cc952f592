// Copyright 2025 Certen Protocol
//
// Package kv wraps github.com/cometbft/cometbft-db as the embedded,
// non-client-server relational-like store that the policy store and the
// checkpoint/worklog store are built on. This is the same embedded-KV
// dependency used for ledger state in the codebase this module grew out
// of, repurposed here: prefixed byte keys, JSON-encoded values, ordered
// scans over big-endian-encoded numeric key suffixes.
package kv

import (
	"bytes"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("kv: key not found")

// Store is a thin, synchronous wrapper around dbm.DB. CONCURRENCY: Store
// itself performs no locking beyond what the underlying dbm.DB
// implementation provides. The policy store serializes its writes per
// tenant with a KeyedMutex; the checkpoint store takes no lock and leaves
// per-job write serialization to its caller.
type Store struct {
	db dbm.DB
}

// New wraps an already-opened dbm.DB.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// OpenGoLevelDB opens (creating if absent) a GoLevelDB-backed store at
// dir/name — the on-disk embedded relational store named in the
// checkpoint/worklog and policy store designs.
func OpenGoLevelDB(name, dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("kv: open goleveldb: %w", err)
	}
	return New(db), nil
}

// OpenMemDB opens an in-memory store, used by tests and by one-shot CLI
// invocations that do not need durability across process restarts.
func OpenMemDB() *Store {
	return New(dbm.NewMemDB())
}

// Get fetches the raw value at key, returning ErrNotFound if absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	ok, err := s.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("kv: has: %w", err)
	}
	return ok, nil
}

// Set durably writes key/value, using SetSync so the write is flushed to
// stable storage before returning — the checkpoint and policy stores
// depend on this for their durability invariants.
func (s *Store) Set(key, value []byte) error {
	if err := s.db.SetSync(key, value); err != nil {
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	if err := s.db.DeleteSync(key); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Entry is one key/value pair returned by a prefix scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns every entry whose key starts with prefix, in
// ascending key order.
func (s *Store) ScanPrefix(prefix []byte) ([]Entry, error) {
	end := prefixUpperBound(prefix)
	iter, err := s.db.Iterator(prefix, end)
	if err != nil {
		return nil, fmt.Errorf("kv: iterator: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for ; iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		out = append(out, Entry{Key: k, Value: v})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kv: iterator error: %w", err)
	}
	return out, nil
}

// DeletePrefix removes every key under prefix.
func (s *Store) DeletePrefix(prefix []byte) error {
	entries, err := s.ScanPrefix(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.Delete(e.Key); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest byte slice strictly greater than
// every slice with the given prefix, for use as an iterator's exclusive
// end bound. A prefix of all 0xff bytes (or empty) has no finite upper
// bound, so nil is returned meaning "no upper bound".
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// BigEndianUint64 encodes n as an 8-byte big-endian suffix, used for
// ordered scans over time-keyed entries (e.g. rotation-calendar windows
// keyed by scheduled_at).
func BigEndianUint64(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// JoinKey concatenates key segments with '/' separators, matching the
// "tenants/<tenant>/<digest>.c2pa"-style layout used throughout this
// module's stores.
func JoinKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}
