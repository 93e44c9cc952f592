// Copyright 2025 Certen Protocol
//
// Tests for the incident detection and escalation engine.

package incident

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c2concierge/retrosign/pkg/model"
)

type fakePause struct {
	mu     sync.Mutex
	paused map[string]bool
}

func newFakePause() *fakePause { return &fakePause{paused: make(map[string]bool)} }

func (f *fakePause) PauseSigning(tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[tenant] = true
	return nil
}

func (f *fakePause) ResumeSigning(tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[tenant] = false
	return nil
}

func (f *fakePause) isPaused(tenant string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[tenant]
}

type fakeRotation struct {
	mu          sync.Mutex
	emergencies []string
}

func (f *fakeRotation) ScheduleRotation(tenant, owner string) (*model.RotationContext, error) {
	return &model.RotationContext{RotationID: "r-" + tenant, TenantID: tenant, State: model.RotationScheduled}, nil
}

func (f *fakeRotation) EmergencyRotate(_ context.Context, tenant string) (*model.RotationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies = append(f.emergencies, tenant)
	return &model.RotationContext{RotationID: "er-" + tenant, TenantID: tenant, State: model.RotationCompleted}, nil
}

func (f *fakeRotation) CurrentState(tenant string) (model.RotationState, bool) {
	return model.RotationCompleted, true
}

type fakeReopener struct {
	digests  []string
	requeued []string
}

func (f *fakeReopener) List(_ context.Context, _, _ string) ([]string, error) {
	return f.digests, nil
}

func (f *fakeReopener) Requeue(_ context.Context, _ string, digestHexes []string) error {
	f.requeued = append(f.requeued, digestHexes...)
	return nil
}

func TestDetectIncident_CriticalAutoEmergencyRotates(t *testing.T) {
	pause := newFakePause()
	rot := &fakeRotation{}
	eng := New(DefaultConfig(), pause, rot, nil, nil)

	ic, err := eng.DetectIncident(context.Background(), "tenant-a", model.IncidentKeyCompromise, model.SeverityCritical, []string{"key-1"})
	require.NoError(t, err)
	require.Equal(t, model.IncidentResponding, ic.State)
	require.Contains(t, rot.emergencies, "tenant-a")
	require.False(t, pause.isPaused("tenant-a"))
}

func TestDetectIncident_HighAutoPauses(t *testing.T) {
	pause := newFakePause()
	rot := &fakeRotation{}
	eng := New(DefaultConfig(), pause, rot, nil, nil)

	ic, err := eng.DetectIncident(context.Background(), "tenant-b", model.IncidentRateLimitExceeded, model.SeverityHigh, nil)
	require.NoError(t, err)
	require.Equal(t, model.IncidentResponding, ic.State)
	require.True(t, pause.isPaused("tenant-b"))
	require.Empty(t, rot.emergencies)
}

func TestDetectIncident_LowSeverityLogsOnly(t *testing.T) {
	pause := newFakePause()
	rot := &fakeRotation{}
	eng := New(DefaultConfig(), pause, rot, nil, nil)

	ic, err := eng.DetectIncident(context.Background(), "tenant-c", model.IncidentPolicyBreach, model.SeverityLow, nil)
	require.NoError(t, err)
	require.Equal(t, model.IncidentOpen, ic.State)
	require.False(t, pause.isPaused("tenant-c"))
	require.Empty(t, rot.emergencies)
}

func TestMassResign_FiltersAndRequeues(t *testing.T) {
	pause := newFakePause()
	rot := &fakeRotation{}
	reopener := &fakeReopener{digests: []string{"aa", "ab", "bb"}}
	eng := New(DefaultConfig(), pause, rot, reopener, nil)

	ic, err := eng.DetectIncident(context.Background(), "tenant-d", model.IncidentKeyCompromise, model.SeverityLow, nil)
	require.NoError(t, err)

	n, err := eng.MassResign(context.Background(), ic.IncidentID, func(digestHex string) bool {
		return digestHex[0] == 'a'
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"aa", "ab"}, reopener.requeued)
}

func TestResolveIncident_TerminalAndIdempotencyGuard(t *testing.T) {
	eng := New(DefaultConfig(), newFakePause(), &fakeRotation{}, nil, nil)
	ic, err := eng.DetectIncident(context.Background(), "tenant-e", model.IncidentAttestationFailure, model.SeverityLow, nil)
	require.NoError(t, err)

	require.NoError(t, eng.ResolveIncident(ic.IncidentID, "false positive"))

	got, err := eng.Get(ic.IncidentID)
	require.NoError(t, err)
	require.Equal(t, model.IncidentResolved, got.State)
	require.NotNil(t, got.ResolvedAt)

	require.Empty(t, eng.ListOpen("tenant-e"))
	require.Error(t, eng.ResolveIncident(ic.IncidentID, "again"))
}
