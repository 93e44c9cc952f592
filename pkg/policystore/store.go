// Copyright 2025 Certen Protocol
//
// Package policystore owns per-tenant SigningPolicy and RotationCalendar
// state. Ownership is explicit: other components exchange intent through
// the typed operations below (UpsertPolicy, ScheduleRotation,
// MarkRotation) rather than mutating SigningPolicy directly, breaking the
// mixed-ownership pattern flagged in the design notes. Backed by the same
// embedded KV store as the checkpoint/worklog package.
package policystore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c2concierge/retrosign/pkg/canon"
	"github.com/c2concierge/retrosign/pkg/errs"
	"github.com/c2concierge/retrosign/pkg/kv"
	"github.com/c2concierge/retrosign/pkg/model"
)

const (
	prefixPolicy = "policy/"
	prefixRotCal = "rotcal/"
)

// Store is the policy store. Policy writes and GetPolicy reads take the
// same per-tenant KeyedMutex, so operations on one tenant are serialized
// while different tenants proceed concurrently (spec §4.3(d): "write
// operations are serialized per tenant"). Rotation-calendar operations
// use a separate per-tenant key in the same KeyedMutex.
type Store struct {
	kv    *kv.Store
	locks *kv.KeyedMutex
}

// New wraps an already-open embedded KV store.
func New(store *kv.Store) *Store {
	return &Store{kv: store, locks: kv.NewKeyedMutex()}
}

// UpsertPolicy recomputes PolicyHash over the canonical form of p with
// PolicyHash cleared, bumps UpdatedAt, and persists it as the tenant's
// sole active policy. Invariant (spec §4.3b): PolicyHash always equals
// the canonical hash of the policy excluding the hash field itself.
func (s *Store) UpsertPolicy(p model.SigningPolicy) (model.SigningPolicy, error) {
	if p.TenantID == "" {
		return model.SigningPolicy{}, errs.ErrInvalidTenant
	}

	s.locks.Lock(p.TenantID)
	defer s.locks.Unlock(p.TenantID)

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		existing, err := s.getPolicyLocked(p.TenantID)
		if err == nil {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = now
		}
	}
	p.UpdatedAt = now
	if p.UpdatedAt.Before(p.CreatedAt) {
		p.UpdatedAt = p.CreatedAt
	}

	p.PolicyHash = ""
	digest, err := canon.DigestValue(p)
	if err != nil {
		return model.SigningPolicy{}, fmt.Errorf("policystore: hash policy: %w", err)
	}
	p.PolicyHash = digest.Hex

	raw, err := json.Marshal(p)
	if err != nil {
		return model.SigningPolicy{}, fmt.Errorf("policystore: marshal policy: %w", err)
	}
	if err := s.kv.Set(kv.JoinKey(prefixPolicy, p.TenantID), raw); err != nil {
		return model.SigningPolicy{}, fmt.Errorf("policystore: persist policy: %w", err)
	}
	return p, nil
}

// GetPolicy returns the tenant's current policy.
func (s *Store) GetPolicy(tenantID string) (model.SigningPolicy, error) {
	s.locks.Lock(tenantID)
	defer s.locks.Unlock(tenantID)
	return s.getPolicyLocked(tenantID)
}

func (s *Store) getPolicyLocked(tenantID string) (model.SigningPolicy, error) {
	raw, err := s.kv.Get(kv.JoinKey(prefixPolicy, tenantID))
	if err != nil {
		if err == kv.ErrNotFound {
			return model.SigningPolicy{}, errs.ErrNoSuchTenant
		}
		return model.SigningPolicy{}, fmt.Errorf("policystore: get policy: %w", err)
	}
	var p model.SigningPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.SigningPolicy{}, fmt.Errorf("policystore: unmarshal policy: %w", err)
	}
	return p, nil
}

// ListTenants returns every tenant ID with a persisted policy.
func (s *Store) ListTenants() ([]string, error) {
	prefix := kv.JoinKey(prefixPolicy, "")
	entries, err := s.kv.ScanPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("policystore: list tenants: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Key[len(prefix):]))
	}
	return out, nil
}

// PauseSigning flips SignEnabled=false for tenant, the mechanism the
// incident engine uses for pause_signing (spec §4.8) without ever
// mutating the policy outside this store.
func (s *Store) PauseSigning(tenantID string) error {
	s.locks.Lock(tenantID)
	p, err := s.getPolicyLocked(tenantID)
	s.locks.Unlock(tenantID)
	if err != nil {
		return err
	}
	p.Key.SignEnabled = false
	_, err = s.UpsertPolicy(p)
	return err
}

// ResumeSigning flips SignEnabled=true for tenant.
func (s *Store) ResumeSigning(tenantID string) error {
	s.locks.Lock(tenantID)
	p, err := s.getPolicyLocked(tenantID)
	s.locks.Unlock(tenantID)
	if err != nil {
		return err
	}
	p.Key.SignEnabled = true
	_, err = s.UpsertPolicy(p)
	return err
}

// SwapActiveHandle atomically replaces the tenant's active key handle —
// the rotation engine's Cutover step (spec §4.7) — as a single policy
// write with the hash recomputed.
func (s *Store) SwapActiveHandle(tenantID string, newKey model.KeyConfig) (model.SigningPolicy, error) {
	s.locks.Lock(tenantID)
	p, err := s.getPolicyLocked(tenantID)
	s.locks.Unlock(tenantID)
	if err != nil {
		return model.SigningPolicy{}, err
	}
	p.Key = newKey
	return s.UpsertPolicy(p)
}

// rotationCalendarKey orders entries ascending by ScheduledAt so
// GetUpcomingRotations can do a bounded prefix scan instead of a full
// table scan.
func rotationCalendarKey(tenantID string, scheduledAt time.Time) []byte {
	return kv.JoinKey(prefixRotCal, tenantID, string(kv.BigEndianUint64(uint64(scheduledAt.UnixNano()))))
}

// ScheduleRotation persists a RotationCalendar entry for tenant, rejecting
// any entry whose window overlaps an existing scheduled/approved/
// in-progress entry for the same tenant (spec §4.3: "disallows
// overlapping windows for the same tenant").
func (s *Store) ScheduleRotation(entry model.RotationCalendar) error {
	if entry.TenantID == "" {
		return errs.ErrInvalidTenant
	}

	s.locks.Lock("rotcal:" + entry.TenantID)
	defer s.locks.Unlock("rotcal:" + entry.TenantID)

	existing, err := s.listCalendarLocked(entry.TenantID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Status == model.CalendarCancelled || e.Status == model.CalendarCompleted {
			continue
		}
		if entry.WindowStart.Before(e.WindowEnd) && e.WindowStart.Before(entry.WindowEnd) {
			return errs.ErrOverlappingRotationWindow
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = model.CalendarScheduled
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("policystore: marshal rotation calendar entry: %w", err)
	}
	return s.kv.Set(rotationCalendarKey(entry.TenantID, entry.ScheduledAt), raw)
}

func (s *Store) listCalendarLocked(tenantID string) ([]model.RotationCalendar, error) {
	entries, err := s.kv.ScanPrefix(kv.JoinKey(prefixRotCal, tenantID, ""))
	if err != nil {
		return nil, fmt.Errorf("policystore: scan rotation calendar: %w", err)
	}
	out := make([]model.RotationCalendar, 0, len(entries))
	for _, e := range entries {
		var c model.RotationCalendar
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return nil, fmt.Errorf("policystore: unmarshal rotation calendar entry: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// GetUpcomingRotations returns every scheduled entry for tenant with
// ScheduledAt <= now+horizon, ordered ascending by ScheduledAt (guaranteed
// by the big-endian-encoded key suffix).
func (s *Store) GetUpcomingRotations(tenantID string, horizon time.Duration) ([]model.RotationCalendar, error) {
	s.locks.Lock("rotcal:" + tenantID)
	all, err := s.listCalendarLocked(tenantID)
	s.locks.Unlock("rotcal:" + tenantID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(horizon)
	out := make([]model.RotationCalendar, 0, len(all))
	for _, c := range all {
		if !c.ScheduledAt.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// MarkRotation updates the calendar entry's status.
func (s *Store) MarkRotation(tenantID string, scheduledAt time.Time, status model.RotationCalendarStatus) error {
	s.locks.Lock("rotcal:" + tenantID)
	defer s.locks.Unlock("rotcal:" + tenantID)

	key := rotationCalendarKey(tenantID, scheduledAt)
	raw, err := s.kv.Get(key)
	if err != nil {
		return fmt.Errorf("policystore: mark rotation: %w", err)
	}
	var c model.RotationCalendar
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("policystore: unmarshal rotation calendar entry: %w", err)
	}
	c.Status = status
	updated, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("policystore: marshal rotation calendar entry: %w", err)
	}
	return s.kv.Set(key, updated)
}
