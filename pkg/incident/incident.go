// Copyright 2025 Certen Protocol
//
// Package incident implements the incident engine (spec §4.8): a
// detect -> triage -> respond -> resolve lifecycle over per-tenant
// signing incidents, with severity-driven auto-escalation to
// pause_signing or emergency_rotate. Grounded structurally on
// pkg/batch/consensus_coordinator.go's mutex-guarded registry-with-
// append-only-log pattern, the same shape pkg/rotation reuses for
// RotationContext.History.
//
// The cyclic reference spec §9 flags between the rotation and incident
// engines is broken here the way §9 prescribes: incident commands
// rotation through the narrow RotationCommander interface below, so this
// package never imports pkg/rotation's concrete Engine type, and
// pkg/rotation never imports this package at all.
package incident

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c2concierge/retrosign/pkg/errs"
	"github.com/c2concierge/retrosign/pkg/hooks"
	"github.com/c2concierge/retrosign/pkg/model"
)

// PauseController is the narrow slice of pkg/policystore.Store the
// incident engine needs to flip a tenant's sign_enabled flag (spec
// §4.8's pause_signing/resume).
type PauseController interface {
	PauseSigning(tenantID string) error
	ResumeSigning(tenantID string) error
}

// RotationCommander is the narrow slice of pkg/rotation.Engine the
// incident engine needs to drive an emergency rotation, never the
// concrete Engine type itself (spec §9 "break the cycle").
type RotationCommander interface {
	ScheduleRotation(tenant, owner string) (*model.RotationContext, error)
	EmergencyRotate(ctx context.Context, tenant string) (*model.RotationContext, error)
	CurrentState(tenant string) (model.RotationState, bool)
}

// ManifestFilter selects which published manifest digests a mass_resign
// operation should reopen.
type ManifestFilter func(digestHex string) bool

// ManifestReopener is the narrow slice of pkg/manifeststore.Store plus a
// re-enqueue hook the incident engine needs for mass_resign (spec §4.8):
// list a tenant's published manifests, and feed a selected subset back
// through the signing pipeline under the (now-rotated) active key.
// Re-publication is deduplicated automatically because manifeststore.Put
// is idempotent, so Requeue is free to resubmit digests the pipeline has
// already written.
type ManifestReopener interface {
	List(ctx context.Context, tenant, prefix string) ([]string, error)
	Requeue(ctx context.Context, tenant string, digestHexes []string) error
}

// Config bounds the incident engine's logging.
type Config struct {
	Logger *log.Logger
}

// DefaultConfig returns the engine's default logging configuration.
func DefaultConfig() Config {
	return Config{Logger: log.New(os.Stderr, "[incident] ", log.LstdFlags)}
}

// Engine tracks every tenant's incidents and drives the escalation table
// in escalation.go. One Engine instance serves all tenants.
type Engine struct {
	cfg      Config
	pause    PauseController
	rotation RotationCommander
	reopener ManifestReopener
	alerts   hooks.AlertSink

	mu       sync.RWMutex
	byID     map[string]*model.IncidentContext
	openByTenant map[string][]string // tenant -> incident ids still open
}

// New constructs an incident Engine. reopener and alerts may be nil: a
// nil reopener disables MassResign, a nil alerts sink is replaced with
// hooks.NoopAlertSink.
func New(cfg Config, pause PauseController, rotation RotationCommander, reopener ManifestReopener, alerts hooks.AlertSink) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[incident] ", log.LstdFlags)
	}
	if alerts == nil {
		alerts = hooks.NoopAlertSink{}
	}
	return &Engine{
		cfg:          cfg,
		pause:        pause,
		rotation:     rotation,
		reopener:     reopener,
		alerts:       alerts,
		byID:         make(map[string]*model.IncidentContext),
		openByTenant: make(map[string][]string),
	}
}

// Get returns a snapshot of one incident.
func (e *Engine) Get(incidentID string) (model.IncidentContext, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ic, ok := e.byID[incidentID]
	if !ok {
		return model.IncidentContext{}, fmt.Errorf("incident: %w: no such incident %s", errs.ErrInvariantViolation, incidentID)
	}
	return *ic, nil
}

// ListOpen returns every non-terminal incident for tenant.
func (e *Engine) ListOpen(tenant string) []model.IncidentContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.openByTenant[tenant]
	out := make([]model.IncidentContext, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.byID[id])
	}
	return out
}

// DetectIncident opens a new incident for tenant and immediately runs
// the escalation table (spec §4.8: "Critical auto-triggers
// emergency_rotate; High triggers pause_signing; lower severities log
// and notify"). DetectIncident is a pure constructor plus escalation
// dispatch: it has no polling loop of its own, since detection sources
// are external collaborators (spec §1) that feed incidents in through
// this call.
func (e *Engine) DetectIncident(ctx context.Context, tenant string, typ model.IncidentType, severity model.IncidentSeverity, affectedKeys []string) (*model.IncidentContext, error) {
	ic := &model.IncidentContext{
		IncidentID:   uuid.NewString(),
		TenantID:     tenant,
		Type:         typ,
		Severity:     severity,
		AffectedKeys: affectedKeys,
		State:        model.IncidentOpen,
		OpenedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	e.byID[ic.IncidentID] = ic
	e.openByTenant[tenant] = append(e.openByTenant[tenant], ic.IncidentID)
	e.mu.Unlock()

	e.cfg.Logger.Printf("incident %s opened: tenant=%s type=%s severity=%s", ic.IncidentID, tenant, typ, severity)
	if err := e.alerts.Notify(ctx, *ic); err != nil {
		e.cfg.Logger.Printf("incident %s: alert notify failed: %v", ic.IncidentID, err)
	}

	if err := e.escalate(ctx, ic); err != nil {
		return ic, err
	}
	return ic, nil
}

// PauseSigning implements spec §4.8's pause_signing action directly
// (callers may also reach it through escalation).
func (e *Engine) PauseSigning(incidentID, reason string) error {
	ic, err := e.mutate(incidentID, func(ic *model.IncidentContext) error {
		if err := e.pause.PauseSigning(ic.TenantID); err != nil {
			return fmt.Errorf("incident: pause signing: %w", err)
		}
		ic.ActionsTaken = append(ic.ActionsTaken, "pause_signing: "+reason)
		ic.State = model.IncidentResponding
		return nil
	})
	_ = ic
	return err
}

// EmergencyRotate implements spec §4.8's emergency_rotate action,
// delegating the rotation itself to the narrow RotationCommander.
func (e *Engine) EmergencyRotate(ctx context.Context, incidentID string) error {
	e.mu.RLock()
	ic, ok := e.byID[incidentID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("incident: %w: no such incident %s", errs.ErrInvariantViolation, incidentID)
	}

	rc, err := e.rotation.EmergencyRotate(ctx, ic.TenantID)
	if err != nil {
		return fmt.Errorf("incident: emergency rotate: %w", err)
	}

	e.mu.Lock()
	ic.ActionsTaken = append(ic.ActionsTaken, fmt.Sprintf("emergency_rotate: rotation=%s state=%s", rc.RotationID, rc.State))
	ic.State = model.IncidentResponding
	e.mu.Unlock()
	return nil
}

// MassResign implements spec §4.8's mass_resign: reopens every published
// manifest digest matching filter and re-enqueues it through the
// pipeline. Re-publication is safe to call repeatedly because the
// manifest store's Put is idempotent.
func (e *Engine) MassResign(ctx context.Context, incidentID string, filter ManifestFilter) (int, error) {
	if e.reopener == nil {
		return 0, fmt.Errorf("incident: mass_resign requires a ManifestReopener")
	}

	e.mu.RLock()
	ic, ok := e.byID[incidentID]
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("incident: %w: no such incident %s", errs.ErrInvariantViolation, incidentID)
	}

	digests, err := e.reopener.List(ctx, ic.TenantID, "")
	if err != nil {
		return 0, fmt.Errorf("incident: list manifests: %w", err)
	}

	var selected []string
	for _, d := range digests {
		if filter == nil || filter(d) {
			selected = append(selected, d)
		}
	}
	if len(selected) == 0 {
		return 0, nil
	}

	if err := e.reopener.Requeue(ctx, ic.TenantID, selected); err != nil {
		return 0, fmt.Errorf("incident: requeue manifests: %w", err)
	}

	e.mu.Lock()
	ic.ActionsTaken = append(ic.ActionsTaken, fmt.Sprintf("mass_resign: %d manifests requeued", len(selected)))
	e.mu.Unlock()
	return len(selected), nil
}

// ResolveIncident closes incidentID with a terminal Resolved state; spec
// §4.8 "Resolution is explicit... and terminal". Resolving an already
// terminal incident is an error rather than a silent no-op, since a
// second resolution usually signals a bug in the caller.
func (e *Engine) ResolveIncident(incidentID, note string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ic, ok := e.byID[incidentID]
	if !ok {
		return fmt.Errorf("incident: %w: no such incident %s", errs.ErrInvariantViolation, incidentID)
	}
	if ic.State == model.IncidentResolved {
		return fmt.Errorf("incident: %s already resolved", incidentID)
	}

	now := time.Now().UTC()
	ic.State = model.IncidentResolved
	ic.ResolvedAt = &now
	ic.ActionsTaken = append(ic.ActionsTaken, "resolved: "+note)

	ids := e.openByTenant[ic.TenantID]
	for i, id := range ids {
		if id == incidentID {
			e.openByTenant[ic.TenantID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// mutate runs fn against incidentID's context under the registry lock and
// marks the incident Triaged before fn runs, if it is still Open.
func (e *Engine) mutate(incidentID string, fn func(*model.IncidentContext) error) (*model.IncidentContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ic, ok := e.byID[incidentID]
	if !ok {
		return nil, fmt.Errorf("incident: %w: no such incident %s", errs.ErrInvariantViolation, incidentID)
	}
	if ic.State == model.IncidentOpen {
		ic.State = model.IncidentTriaged
	}
	if err := fn(ic); err != nil {
		return ic, err
	}
	return ic, nil
}
