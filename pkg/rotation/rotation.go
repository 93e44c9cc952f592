// Copyright 2025 Certen Protocol
//
// Package rotation implements the rotation engine's state machine (spec
// §4.7): Scheduled -> Prepared -> Canary -> Cutover -> Verifying ->
// Completed, with exit edges to RolledBack or Failed from any
// non-terminal state. The state vocabulary is model.RotationState,
// chosen as the authoritative set per spec §9's Open Question
// resolution among the source's three competing vocabularies.
//
// Structurally grounded on pkg/batch/consensus_coordinator.go's
// mutex-guarded map of per-id state entries with an append-only history,
// generalized from one-shot consensus bookkeeping to a resumable FSM.
// The per-tenant write lock reuses pkg/kv.KeyedMutex, the same
// construction pkg/policystore uses, rather than a second hand-rolled
// map[string]*sync.Mutex.
package rotation

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c2concierge/retrosign/pkg/errs"
	"github.com/c2concierge/retrosign/pkg/kv"
	"github.com/c2concierge/retrosign/pkg/model"
)

// PolicyHandle is the narrow slice of pkg/policystore.Store the rotation
// engine needs: read the active policy and atomically swap its key
// handle on Cutover. Kept narrow so this package never imports
// pkg/policystore's rotation-calendar machinery.
type PolicyHandle interface {
	GetPolicy(tenantID string) (model.SigningPolicy, error)
	SwapActiveHandle(tenantID string, newKey model.KeyConfig) (model.SigningPolicy, error)
}

// KeyProvisioner provisions a new key handle for a tenant in its
// configured backend and reports the resulting handle, public key, and
// attestation. The concrete backend construction (software/HSM/KMS/Vault
// transit) stays behind this interface so rotation never imports
// pkg/signing's factory directly.
type KeyProvisioner interface {
	Provision(ctx context.Context, tenant string, current model.KeyConfig) (model.KeyConfig, error)
	Activate(ctx context.Context, tenant string, handle model.KeyConfig) error
	Deactivate(ctx context.Context, tenant string, handle model.KeyConfig) error
}

// SampleVerifier verifies a sample of freshly signed manifests against a
// candidate key handle during the Verifying phase (spec §4.7).
type SampleVerifier interface {
	VerifySample(ctx context.Context, tenant string, handle model.KeyConfig, sampleSize int) error
}

// Config bounds the rotation engine's canary and verification behavior.
type Config struct {
	CanaryCount    int
	CutoverTimeout time.Duration
	Logger         *log.Logger
}

// DefaultConfig returns spec §4.7's documented defaults.
func DefaultConfig() Config {
	return Config{
		CanaryCount:    10,
		CutoverTimeout: 30 * time.Minute,
		Logger:         log.New(os.Stderr, "[rotation] ", log.LstdFlags),
	}
}

// Engine drives rotations for every tenant. One Engine instance serves
// all tenants; per-tenant serialization is by KeyedMutex, so rotations on
// different tenants proceed fully in parallel (spec §4.7).
type Engine struct {
	cfg      Config
	policy   PolicyHandle
	provider KeyProvisioner
	verifier SampleVerifier
	locks    *kv.KeyedMutex

	mu        sync.RWMutex
	byID      map[string]*model.RotationContext
	activeFor map[string]string // tenant -> rotation id, while non-terminal
}

// New constructs a rotation Engine.
func New(cfg Config, policy PolicyHandle, provider KeyProvisioner, verifier SampleVerifier) *Engine {
	if cfg.CanaryCount <= 0 {
		cfg.CanaryCount = 10
	}
	if cfg.CutoverTimeout <= 0 {
		cfg.CutoverTimeout = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[rotation] ", log.LstdFlags)
	}
	return &Engine{
		cfg:       cfg,
		policy:    policy,
		provider:  provider,
		verifier:  verifier,
		locks:     kv.NewKeyedMutex(),
		byID:      make(map[string]*model.RotationContext),
		activeFor: make(map[string]string),
	}
}

// Get returns a snapshot of one rotation's context.
func (e *Engine) Get(rotationID string) (model.RotationContext, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rc, ok := e.byID[rotationID]
	if !ok {
		return model.RotationContext{}, fmt.Errorf("rotation: %w: no such rotation %s", errs.ErrInvariantViolation, rotationID)
	}
	return *rc, nil
}

// CurrentState reports the state of a tenant's in-flight rotation, if
// any. The bool is false once the rotation reaches a terminal state.
func (e *Engine) CurrentState(tenant string) (model.RotationState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.activeFor[tenant]
	if !ok {
		return "", false
	}
	return e.byID[id].State, true
}

// ScheduleRotation records a new rotation for tenant, owned by owner,
// rejecting a second concurrent rotation for the same tenant (spec
// §4.7 "Concurrent rotations on the same tenant are rejected").
func (e *Engine) ScheduleRotation(tenant, owner string) (*model.RotationContext, error) {
	e.locks.Lock(tenant)
	defer e.locks.Unlock(tenant)

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.activeFor[tenant]; ok && !e.byID[id].State.Terminal() {
		return nil, fmt.Errorf("rotation: %w: tenant %s", errs.ErrOverlappingRotationWindow, tenant)
	}

	policy, err := e.policy.GetPolicy(tenant)
	if err != nil {
		return nil, fmt.Errorf("rotation: load policy: %w", err)
	}

	rc := &model.RotationContext{
		RotationID: uuid.NewString(),
		TenantID:   tenant,
		OldHandle:  policy.Key.Handle,
		State:      model.RotationScheduled,
	}
	e.appendHistory(rc, model.RotationScheduled, fmt.Sprintf("scheduled by %s", owner))
	e.byID[rc.RotationID] = rc
	e.activeFor[tenant] = rc.RotationID
	e.cfg.Logger.Printf("scheduled rotation %s for tenant %s", rc.RotationID, tenant)
	return rc, nil
}

// Execute runs a scheduled rotation through Prepared -> Canary ->
// Cutover -> Verifying, landing on Completed, RolledBack, or Failed.
// Execute blocks for the duration of the rotation; callers typically run
// it from a background goroutine.
func (e *Engine) Execute(ctx context.Context, rotationID string) error {
	rc, err := e.lockedContext(rotationID)
	if err != nil {
		return err
	}
	e.locks.Lock(rc.TenantID)
	defer e.locks.Unlock(rc.TenantID)
	return e.run(ctx, rc, e.cfg.CanaryCount, e.cfg.CutoverTimeout)
}

// EmergencyRotate runs an abbreviated rotation for tenant: it skips
// Canary and collapses Cutover+Verifying into a shortened schedule,
// still writing policy atomically exactly once (spec §4.8
// "emergency_rotate... skips Canary and collapses Cutover+Verifying into
// a shortened schedule").
func (e *Engine) EmergencyRotate(ctx context.Context, tenant string) (*model.RotationContext, error) {
	e.locks.Lock(tenant)

	e.mu.Lock()
	if id, ok := e.activeFor[tenant]; ok && !e.byID[id].State.Terminal() {
		e.mu.Unlock()
		e.locks.Unlock(tenant)
		return nil, fmt.Errorf("rotation: %w: tenant %s", errs.ErrOverlappingRotationWindow, tenant)
	}
	policy, err := e.policy.GetPolicy(tenant)
	if err != nil {
		e.mu.Unlock()
		e.locks.Unlock(tenant)
		return nil, fmt.Errorf("rotation: load policy: %w", err)
	}
	rc := &model.RotationContext{
		RotationID: uuid.NewString(),
		TenantID:   tenant,
		OldHandle:  policy.Key.Handle,
		State:      model.RotationScheduled,
	}
	e.appendHistory(rc, model.RotationScheduled, "emergency rotation")
	e.byID[rc.RotationID] = rc
	e.activeFor[tenant] = rc.RotationID
	e.mu.Unlock()
	e.locks.Unlock(tenant)

	e.cfg.Logger.Printf("emergency rotation %s for tenant %s", rc.RotationID, tenant)

	e.locks.Lock(tenant)
	defer e.locks.Unlock(tenant)
	shortTimeout := e.cfg.CutoverTimeout / 6
	if shortTimeout <= 0 {
		shortTimeout = time.Minute
	}
	if err := e.run(ctx, rc, 0, shortTimeout); err != nil {
		return rc, err
	}
	return rc, nil
}

// run drives rc from its current state to a terminal state, used by
// both the normal and emergency paths; canaryCount == 0 skips Canary
// entirely (spec §4.8's emergency_rotate).
func (e *Engine) run(ctx context.Context, rc *model.RotationContext, canaryCount int, cutoverTimeout time.Duration) error {
	if rc.State == model.RotationScheduled {
		newHandle, err := e.provider.Provision(ctx, rc.TenantID, model.KeyConfig{Handle: rc.OldHandle})
		if err != nil {
			return e.fail(rc, fmt.Sprintf("provision failed: %v", err))
		}
		rc.NewHandle = newHandle.Handle
		e.setState(rc, model.RotationPrepared, "key handle provisioned")
	}

	if rc.State == model.RotationPrepared {
		if canaryCount > 0 {
			if err := e.verifier.VerifySample(ctx, rc.TenantID, model.KeyConfig{Handle: rc.NewHandle}, canaryCount); err != nil {
				return e.rollback(ctx, rc, fmt.Sprintf("canary failed: %v", err))
			}
			e.setState(rc, model.RotationCanary, fmt.Sprintf("canary passed over %d items", canaryCount))
		} else {
			e.setState(rc, model.RotationCanary, "canary skipped (emergency rotation)")
		}
	}

	if rc.State == model.RotationCanary {
		if err := e.cutover(ctx, rc); err != nil {
			return e.rollback(ctx, rc, fmt.Sprintf("cutover failed: %v", err))
		}
		e.setState(rc, model.RotationCutover, "active handle swapped")
	}

	if rc.State == model.RotationCutover {
		e.setState(rc, model.RotationVerifying, "verifying post-cutover sample")
		verifyCtx, cancel := context.WithTimeout(ctx, cutoverTimeout)
		err := e.verifier.VerifySample(verifyCtx, rc.TenantID, model.KeyConfig{Handle: rc.NewHandle}, canaryCount)
		cancel()
		if err != nil {
			return e.rollback(ctx, rc, fmt.Sprintf("post-cutover verification failed: %v", err))
		}
	}

	e.setState(rc, model.RotationCompleted, "rotation completed")
	e.finish(rc.TenantID)
	return nil
}

func (e *Engine) cutover(ctx context.Context, rc *model.RotationContext) error {
	policy, err := e.policy.GetPolicy(rc.TenantID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	newKey := policy.Key
	newKey.Handle = rc.NewHandle
	if _, err := e.policy.SwapActiveHandle(rc.TenantID, newKey); err != nil {
		return fmt.Errorf("swap active handle: %w", err)
	}
	return e.provider.Activate(ctx, rc.TenantID, newKey)
}

// rollback reverts the active handle to OldHandle, disables the new
// handle, and marks rc RolledBack.
func (e *Engine) rollback(ctx context.Context, rc *model.RotationContext, reason string) error {
	policy, err := e.policy.GetPolicy(rc.TenantID)
	if err == nil && policy.Key.Handle != rc.OldHandle {
		reverted := policy.Key
		reverted.Handle = rc.OldHandle
		if _, swapErr := e.policy.SwapActiveHandle(rc.TenantID, reverted); swapErr != nil {
			e.cfg.Logger.Printf("rotation %s: revert to old handle failed: %v", rc.RotationID, swapErr)
		}
	}
	if rc.NewHandle != "" {
		_ = e.provider.Deactivate(ctx, rc.TenantID, model.KeyConfig{Handle: rc.NewHandle})
	}
	e.setState(rc, model.RotationRolledBack, reason)
	e.finish(rc.TenantID)
	return fmt.Errorf("rotation: %s", reason)
}

func (e *Engine) fail(rc *model.RotationContext, reason string) error {
	e.setState(rc, model.RotationFailed, reason)
	e.finish(rc.TenantID)
	return fmt.Errorf("rotation: %s", reason)
}

func (e *Engine) lockedContext(rotationID string) (*model.RotationContext, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rc, ok := e.byID[rotationID]
	if !ok {
		return nil, fmt.Errorf("rotation: %w: no such rotation %s", errs.ErrInvariantViolation, rotationID)
	}
	return rc, nil
}

func (e *Engine) setState(rc *model.RotationContext, next model.RotationState, note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendHistory(rc, next, note)
	e.cfg.Logger.Printf("rotation %s tenant %s: %s -> %s (%s)", rc.RotationID, rc.TenantID, rc.History[len(rc.History)-2].State, next, note)
}

func (e *Engine) appendHistory(rc *model.RotationContext, state model.RotationState, note string) {
	rc.State = state
	rc.History = append(rc.History, model.RotationHistoryEntry{
		State:     state,
		Timestamp: time.Now().UTC(),
		Note:      note,
	})
}

func (e *Engine) finish(tenant string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeFor, tenant)
}
