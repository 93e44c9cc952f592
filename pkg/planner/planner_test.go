// Copyright 2025 Certen Protocol
//
// Tests for content grouping, plan construction, and cost estimation.

package planner

import (
	"testing"

	"github.com/c2concierge/retrosign/pkg/model"
	"github.com/stretchr/testify/require"
)

func byKeyPrefix(r model.InventoryRecord) string {
	// A stand-in content fingerprint for tests: two records with the
	// same fingerprint are "the same content" regardless of key.
	return r.MIME + "/" + string(rune('0'+r.Size%10))
}

func TestGroupByContentPicksNonDerivativeCanonical(t *testing.T) {
	records := []model.InventoryRecord{
		{Key: "media/originals/cat.jpg", Size: 100, MIME: "image/jpeg"},
		{Key: "media/cache/cat_thumb.jpg", Size: 100, MIME: "image/jpeg"},
	}
	groups := GroupByContent(records, byKeyPrefix)
	require.Len(t, groups, 1)
	require.Equal(t, "media/originals/cat.jpg", groups[0].CanonicalObject)
	require.Equal(t, int64(200), groups[0].TotalSize)
	require.Equal(t, int64(100), groups[0].UniqueSize)
}

func TestGroupByContentStableLexicalTiebreak(t *testing.T) {
	records := []model.InventoryRecord{
		{Key: "b.jpg", Size: 50, MIME: "image/jpeg"},
		{Key: "a.jpg", Size: 50, MIME: "image/jpeg"},
	}
	groups := GroupByContent(records, byKeyPrefix)
	require.Len(t, groups, 1)
	require.Equal(t, "a.jpg", groups[0].CanonicalObject)
}

func TestGroupByContentOrdersByDescendingTotalSize(t *testing.T) {
	records := []model.InventoryRecord{
		{Key: "small.jpg", Size: 10, MIME: "image/small"},
		{Key: "big.jpg", Size: 900, MIME: "image/big"},
	}
	groups := GroupByContent(records, byKeyPrefix)
	require.Len(t, groups, 2)
	require.Equal(t, "big.jpg", groups[0].CanonicalObject)
	require.Equal(t, "small.jpg", groups[1].CanonicalObject)
}

func TestBuildPlanItemsPreservesEmbedForOriginalsPrefix(t *testing.T) {
	groups := []model.ContentGroup{
		{ContentFingerprint: "f1", CanonicalObject: "originals/cat.jpg", UniqueSize: 100,
			Objects: []model.InventoryRecord{{Key: "originals/cat.jpg", Size: 100}}},
		{ContentFingerprint: "f2", CanonicalObject: "misc/dog.jpg", UniqueSize: 50,
			Objects: []model.InventoryRecord{{Key: "misc/dog.jpg", Size: 50}}},
	}
	items := BuildPlanItems(groups, "tenant-a", Options{})
	require.Len(t, items, 2)
	require.Equal(t, model.PlanModeEmbed, items[0].Mode)
	require.True(t, items[0].PreserveEmbedHint)
	require.Equal(t, model.PlanModeRemote, items[1].Mode)
	require.False(t, items[1].PreserveEmbedHint)
}

func TestBuildPlanItemsStratifiedSample(t *testing.T) {
	var groups []model.ContentGroup
	for i := 0; i < 10; i++ {
		groups = append(groups, model.ContentGroup{
			ContentFingerprint: string(rune('a' + i)),
			CanonicalObject:    "misc/obj.jpg",
			UniqueSize:         int64(i * 10),
			Objects:            []model.InventoryRecord{{Key: "misc/obj.jpg", Size: int64(i * 10)}},
		})
	}
	items := BuildPlanItems(groups, "tenant-a", Options{SampleSize: 3})
	require.Len(t, items, 3)
}

func TestEstimateCost(t *testing.T) {
	items := []model.PlanItem{
		{EstimatedSize: bytesPerGB, Objects: []model.InventoryRecord{{}, {}}},
		{EstimatedSize: bytesPerGB, Objects: []model.InventoryRecord{{}}},
	}
	est := EstimateCost(items, CostRates{
		TSAPerObject: 0.01, EgressPerGB: 0.09, CPUPerHour: 1, StoragePerGB: 0.02, AssetsPerSecTarget: 50,
	})
	require.Equal(t, 2, est.ObjectsUnique)
	require.Equal(t, 3, est.ObjectsTotal)
	require.InDelta(t, 0.02, est.TSAUSD, 1e-9)
	require.InDelta(t, 0.18, est.EgressUSD, 1e-9)
	require.InDelta(t, 0.04, est.StorageUSD, 1e-9)
}
