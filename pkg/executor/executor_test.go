// Copyright 2025 Certen Protocol
//
// Tests for the bounded-concurrency pipeline executor.

package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c2concierge/retrosign/pkg/checkpoint"
	"github.com/c2concierge/retrosign/pkg/errs"
	"github.com/c2concierge/retrosign/pkg/kv"
	"github.com/c2concierge/retrosign/pkg/manifeststore"
	"github.com/c2concierge/retrosign/pkg/model"
	"github.com/c2concierge/retrosign/pkg/policystore"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	content map[string][]byte
	failN   int // fail this many calls before succeeding
}

func (f *fakeFetcher) Fetch(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	shouldFail := f.calls <= f.failN
	f.mu.Unlock()
	if shouldFail {
		return nil, errs.ErrStorageTransient
	}
	if b, ok := f.content[key]; ok {
		return b, nil
	}
	return []byte("bytes:" + key), nil
}

type fakeSigner struct {
	calls int32
}

func (s *fakeSigner) SignES256(_ context.Context, _ string, digest [32]byte) ([]byte, error) {
	atomic.AddInt32(&s.calls, 1)
	sig := make([]byte, 8)
	copy(sig, digest[:8])
	return sig, nil
}

type fakeTSA struct {
	calls int32
}

func (t *fakeTSA) Timestamp(_ context.Context, _ [32]byte) ([]byte, error) {
	atomic.AddInt32(&t.calls, 1)
	return []byte("tsa-token"), nil
}

func testPolicy(tenant string) model.SigningPolicy {
	return model.SigningPolicy{
		TenantID:   tenant,
		Algorithm:  "ES256",
		TSAProfile: "none",
		Key: model.KeyConfig{
			BackendKind:       model.BackendSoftware,
			SignEnabled:       true,
			MaxIssuancePer24h: 1_000_000,
		},
	}
}

func newTestExecutor(t *testing.T, cfg Config, fetcher Fetcher, signer Signer, tsa TSAClient) (*Executor, *checkpoint.Store, *policystore.Store, manifeststore.Store) {
	t.Helper()
	db := kv.OpenMemDB()
	ck := checkpoint.New(db)
	ps := policystore.New(db)
	store, err := manifeststore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	builder := func(item model.PlanItem, contentDigestHex string) (map[string]any, error) {
		return map[string]any{
			"tenant":        item.TenantID,
			"contentDigest": contentDigestHex,
			"fingerprint":   item.ContentFingerprint,
		}, nil
	}

	e := New(cfg, Collaborators{
		Fetcher:  fetcher,
		Signer:   signer,
		TSA:      tsa,
		Store:    store,
		Policy:   ps,
		Worklog:  ck,
		Manifest: builder,
	})
	return e, ck, ps, store
}

func planItem(tenant, fingerprint, key string) model.PlanItem {
	return model.PlanItem{
		ContentFingerprint: fingerprint,
		TenantID:           tenant,
		Objects:            []model.InventoryRecord{{Key: key, TenantID: tenant}},
		EstimatedSize:      10,
	}
}

func TestRunSignsAndPublishesEachItemExactlyOnce(t *testing.T) {
	e, ck, ps, store := newTestExecutor(t, Config{Concurrency: 4, MaxInflight: 16, Retries: 2, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, &fakeFetcher{}, &fakeSigner{}, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)

	items := []model.PlanItem{
		planItem("tenant-a", "fp1", "obj1"),
		planItem("tenant-a", "fp2", "obj2"),
	}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	for _, it := range items {
		entry, err := ck.GetWorklogEntry(jobID, it.Key())
		require.NoError(t, err)
		require.Equal(t, model.WorkWritten, entry.Status)
		require.NotEmpty(t, entry.ManifestDigest)

		got, err := store.Get(context.Background(), "tenant-a", entry.ManifestDigest)
		require.NoError(t, err)
		require.NotEmpty(t, got)
	}

	stats, err := ck.Stats(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Written)
}

func TestRunRetriesTransientFetchErrors(t *testing.T) {
	fetcher := &fakeFetcher{failN: 2}
	e, ck, ps, _ := newTestExecutor(t, Config{Concurrency: 2, MaxInflight: 8, Retries: 5, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, fetcher, &fakeSigner{}, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)

	items := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	entry, err := ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkWritten, entry.Status)
}

func TestRunFailsAfterExhaustingRetries(t *testing.T) {
	fetcher := &fakeFetcher{failN: 100}
	e, ck, ps, _ := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 4, Retries: 2, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, fetcher, &fakeSigner{}, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)

	items := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	entry, err := ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkError, entry.Status)
	require.Equal(t, errs.KindStorage.String(), entry.ErrorKind)
}

func TestRunSkipsSigningWhenTenantSigningDisabled(t *testing.T) {
	e, ck, ps, _ := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 4, Retries: 1, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, &fakeFetcher{}, &fakeSigner{}, nil)
	policy := testPolicy("tenant-a")
	policy.Key.SignEnabled = false
	_, err := ps.UpsertPolicy(policy)
	require.NoError(t, err)

	items := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	entry, err := ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkSkipped, entry.Status)
}

func TestRunReusesManifestForIdenticalContentAcrossJobs(t *testing.T) {
	fetcher := &fakeFetcher{content: map[string][]byte{
		"obj1": []byte("identical payload"),
		"obj2": []byte("identical payload"),
	}}
	signer := &fakeSigner{}
	e, ck, ps, store := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 4, Retries: 1, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, fetcher, signer, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)

	firstItems := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	firstJob, err := ck.Initialize("tenant-a", firstItems)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), firstJob, firstItems))

	firstEntry, err := ck.GetWorklogEntry(firstJob, firstItems[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkWritten, firstEntry.Status)
	require.EqualValues(t, 1, signer.calls)

	secondItems := []model.PlanItem{planItem("tenant-a", "fp2", "obj2")}
	secondJob, err := ck.Initialize("tenant-a", secondItems)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), secondJob, secondItems))

	secondEntry, err := ck.GetWorklogEntry(secondJob, secondItems[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkWritten, secondEntry.Status)
	require.Equal(t, firstEntry.ManifestDigest, secondEntry.ManifestDigest)

	// The manifest was reused rather than re-signed.
	require.EqualValues(t, 1, signer.calls)

	got, err := store.Get(context.Background(), "tenant-a", secondEntry.ManifestDigest)
	require.NoError(t, err)
	require.NotEmpty(t, got)
}

func TestRunEmbedsSignatureAndTimestampInPublishedManifest(t *testing.T) {
	signer := &fakeSigner{}
	tsa := &fakeTSA{}
	e, ck, ps, store := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 4, Retries: 1, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, &fakeFetcher{}, signer, tsa)
	policy := testPolicy("tenant-a")
	policy.TSAProfile = "default"
	_, err := ps.UpsertPolicy(policy)
	require.NoError(t, err)

	items := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	entry, err := ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "tenant-a", entry.ManifestDigest)
	require.NoError(t, err)
	require.Contains(t, string(got), `"signature"`)
	require.Contains(t, string(got), `"timestampToken"`)
	require.EqualValues(t, 1, signer.calls)
	require.EqualValues(t, 1, tsa.calls)
}

func TestRunFairlyInterleavesAcrossTenants(t *testing.T) {
	e, ck, ps, _ := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 64, Retries: 1, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, &fakeFetcher{}, &fakeSigner{}, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)
	_, err = ps.UpsertPolicy(testPolicy("tenant-b"))
	require.NoError(t, err)

	var items []model.PlanItem
	for i := 0; i < 3; i++ {
		items = append(items, planItem("tenant-a", "a-fp"+string(rune('0'+i)), "a-obj"+string(rune('0'+i))))
		items = append(items, planItem("tenant-b", "b-fp"+string(rune('0'+i)), "b-obj"+string(rune('0'+i))))
	}
	jobID, err := ck.Initialize("mixed", items)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), jobID, items))

	stats, err := ck.Stats(jobID)
	require.NoError(t, err)
	require.Equal(t, int64(6), stats.Written)
}

func TestRunRespectsGlobalPause(t *testing.T) {
	e, ck, ps, _ := newTestExecutor(t, Config{Concurrency: 1, MaxInflight: 4, Retries: 0, BaseBackoff: time.Millisecond, PerItemTimeout: time.Second}, &fakeFetcher{}, &fakeSigner{}, nil)
	_, err := ps.UpsertPolicy(testPolicy("tenant-a"))
	require.NoError(t, err)
	e.Pause()

	items := []model.PlanItem{planItem("tenant-a", "fp1", "obj1")}
	jobID, err := ck.Initialize("tenant-a", items)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), jobID, items) }()

	// While paused, the item must stay queued and resumable rather than
	// being driven to a terminal failure (spec §5: items before Sign "may
	// abort to queued").
	time.Sleep(20 * time.Millisecond)
	entry, err := ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkQueued, entry.Status)

	e.Resume()
	require.NoError(t, <-done)

	entry, err = ck.GetWorklogEntry(jobID, items[0].Key())
	require.NoError(t, err)
	require.Equal(t, model.WorkWritten, entry.Status)
}

func TestBackoffDelayGrowsWithAttemptAndStaysWithinJitterBound(t *testing.T) {
	base := 10 * time.Millisecond
	d0 := backoffDelay(base, 0)
	require.GreaterOrEqual(t, d0, base)
	require.Less(t, d0, 2*base)

	d2 := backoffDelay(base, 2)
	require.GreaterOrEqual(t, d2, 4*base)
	require.Less(t, d2, 5*base)
}
