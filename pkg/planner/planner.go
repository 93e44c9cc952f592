// Copyright 2025 Certen Protocol
//
// Package planner turns an inventory of InventoryRecords into a
// deduplicated, content-grouped plan of work for the executor (spec
// §4, the "Planner" component). Grounded on
// original_source/.../retro-sign/src/planner.rs, with its central
// shortcut replaced: the source groups candidate duplicates by size
// alone and leaves a real content hash as a TODO (spec §9 Open
// Question); this package groups by an actual content fingerprint
// computed from object bytes, which is the digest callers provide
// (planner never fetches bytes itself — that is the executor's Fetch
// stage's job, grounded on spec §4.6's stage ordering).
package planner

import (
	"sort"
	"strings"

	"github.com/c2concierge/retrosign/pkg/model"
)

// ContentFingerprintFunc resolves the content fingerprint for a
// given InventoryRecord. Real callers supply a function backed by a
// partial-content hash (e.g. a streaming SHA-256 over the object's
// first N bytes plus its size) computed during inventory ingestion;
// tests can supply a pure function of the record's fields.
type ContentFingerprintFunc func(model.InventoryRecord) string

// Options configures planning.
type Options struct {
	// Fingerprint resolves a record's content fingerprint. Required.
	Fingerprint ContentFingerprintFunc
	// PreserveEmbedPrefixes names lowercase key fragments; a canonical
	// object whose lowercased key contains any of them anywhere (not only
	// at the start) retains an embed hint rather than defaulting to a
	// remote manifest (ground:
	// planner.rs's should_preserve_embed heuristic).
	PreserveEmbedPrefixes []string
	// SampleSize, if non-zero, stratifies the resulting plan items by
	// unique size into this many buckets (ground: planner.rs's
	// apply_sampling stratified sampling).
	SampleSize int
}

var defaultPreservePrefixes = []string{"/preserve/", "/original/", "/master/", "media/", "originals/"}

// GroupByContent groups records sharing the same content fingerprint
// into ContentGroups, ordered by descending total size (ground:
// planner.rs's sort_by total_size descending, so the largest dedup
// wins surface first in cost estimation).
func GroupByContent(records []model.InventoryRecord, fp ContentFingerprintFunc) []model.ContentGroup {
	byFingerprint := make(map[string][]model.InventoryRecord)
	var order []string
	for _, r := range records {
		f := fp(r)
		if _, ok := byFingerprint[f]; !ok {
			order = append(order, f)
		}
		byFingerprint[f] = append(byFingerprint[f], r)
	}

	groups := make([]model.ContentGroup, 0, len(order))
	for _, f := range order {
		objs := byFingerprint[f]
		canonical := canonicalObject(objs)
		var unique int64
		if len(objs) > 0 {
			unique = canonical.Size
		}
		var total int64
		for _, o := range objs {
			total += o.Size
		}
		groups = append(groups, model.ContentGroup{
			ContentFingerprint: f,
			Objects:            objs,
			CanonicalObject:    canonical.Key,
			UniqueSize:         unique,
			TotalSize:          total,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].TotalSize > groups[j].TotalSize
	})
	return groups
}

// canonicalObject picks the preferred representative of a content
// group: a non-derivative path wins over a derivative-looking one
// (cache/thumbnail/derived-size directories), with a stable lexical
// tiebreak on key (spec §3: "canonical_object is the preferred
// representative... stable tiebreak on lexical key").
func canonicalObject(objs []model.InventoryRecord) model.InventoryRecord {
	best := objs[0]
	for _, o := range objs[1:] {
		bRank, oRank := derivativeRank(best.Key), derivativeRank(o.Key)
		switch {
		case oRank < bRank:
			best = o
		case oRank == bRank && o.Key < best.Key:
			best = o
		}
	}
	return best
}

// derivativeRank returns 0 for an apparent original and 1 for a path
// that looks like a cache/thumbnail/derived-size copy (ground:
// planner.rs's find_canonical_object heuristic, unchanged).
func derivativeRank(key string) int {
	lower := strings.ToLower(key)
	for _, marker := range []string{"cache", "thumb", "deriv", "_small", "_medium", "_large"} {
		if strings.Contains(lower, marker) {
			return 1
		}
	}
	return 0
}

// BuildPlanItems converts ContentGroups into PlanItems, deciding the
// embed/remote mode per group from its canonical object's key (ground:
// planner.rs's create_plan_items + should_preserve_embed).
func BuildPlanItems(groups []model.ContentGroup, tenantID string, opts Options) []model.PlanItem {
	prefixes := opts.PreserveEmbedPrefixes
	if prefixes == nil {
		prefixes = defaultPreservePrefixes
	}

	items := make([]model.PlanItem, 0, len(groups))
	for _, g := range groups {
		preserve := shouldPreserveEmbed(g.CanonicalObject, prefixes)
		mode := model.PlanModeRemote
		if preserve {
			mode = model.PlanModeEmbed
		}
		items = append(items, model.PlanItem{
			ContentFingerprint: g.ContentFingerprint,
			Objects:            withCanonicalFirst(g.Objects, g.CanonicalObject),
			Mode:               mode,
			PreserveEmbedHint:  preserve,
			EstimatedSize:      g.UniqueSize,
			TenantID:           tenantID,
		})
	}

	if opts.SampleSize > 0 && opts.SampleSize < len(items) {
		items = stratifiedSample(items, opts.SampleSize)
	}
	return items
}

// withCanonicalFirst reorders objs so the canonical object's record
// leads the slice. PlanItem carries no separate canonical-object field
// (spec §3's PlanItem has only "objects"), so the executor's Fetch
// stage resolves the canonical object as Objects[0] by this ordering
// convention rather than by re-deriving the derivative heuristic.
func withCanonicalFirst(objs []model.InventoryRecord, canonicalKey string) []model.InventoryRecord {
	out := make([]model.InventoryRecord, 0, len(objs))
	canonIdx := -1
	for i, o := range objs {
		if o.Key == canonicalKey {
			canonIdx = i
			continue
		}
		out = append(out, o)
	}
	if canonIdx < 0 {
		return objs
	}
	return append([]model.InventoryRecord{objs[canonIdx]}, out...)
}

func shouldPreserveEmbed(key string, prefixes []string) bool {
	lower := strings.ToLower(key)
	for _, p := range prefixes {
		if strings.Contains(lower, p) || strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// stratifiedSample samples n items evenly across the distribution of
// EstimatedSize (ground: planner.rs's apply_sampling: sort by size,
// then pick an evenly-spaced index every step = len/n items).
func stratifiedSample(items []model.PlanItem, n int) []model.PlanItem {
	sorted := make([]model.PlanItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EstimatedSize < sorted[j].EstimatedSize
	})

	step := len(sorted) / n
	if step == 0 {
		step = 1
	}
	out := make([]model.PlanItem, 0, n)
	for i := 0; i < n; i++ {
		idx := i * step
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		out = append(out, sorted[idx])
	}
	return out
}

// CostEstimate is the planner's per-job cost/runtime projection (ground:
// planner.rs's Ledger/CostEstimate, spec §2's Planner "cost and sample
// estimation" responsibility).
type CostEstimate struct {
	ObjectsTotal    int
	ObjectsUnique   int
	BytesTotal      int64
	BytesUnique     int64
	EstRuntimeSec   int64
	TSAUSD          float64
	EgressUSD       float64
	CPUUSD          float64
	StorageUSD      float64
	TotalUSD        float64
}

// CostRates is the set of per-unit costs used to project CostEstimate.
type CostRates struct {
	TSAPerObject   float64
	EgressPerGB    float64
	CPUPerHour     float64
	StoragePerGB   float64
	AssetsPerSecTarget float64
}

const bytesPerGB = 1024.0 * 1024.0 * 1024.0

// EstimateCost projects the cost and runtime of signing every item in
// items at the given rates (ground: planner.rs's generate_ledger).
func EstimateCost(items []model.PlanItem, rates CostRates) CostEstimate {
	var est CostEstimate
	est.ObjectsUnique = len(items)
	for _, it := range items {
		est.ObjectsTotal += len(it.Objects)
		est.BytesTotal += it.EstimatedSize * int64(len(it.Objects))
		est.BytesUnique += it.EstimatedSize
	}

	target := rates.AssetsPerSecTarget
	if target <= 0 {
		target = 50
	}
	est.EstRuntimeSec = int64(float64(est.ObjectsTotal) / target)

	est.TSAUSD = float64(est.ObjectsUnique) * rates.TSAPerObject
	est.EgressUSD = (float64(est.BytesUnique) / bytesPerGB) * rates.EgressPerGB
	cpuHours := float64(est.EstRuntimeSec) / 3600.0
	est.CPUUSD = cpuHours * rates.CPUPerHour
	est.StorageUSD = (float64(est.BytesUnique) / bytesPerGB) * rates.StoragePerGB
	est.TotalUSD = est.TSAUSD + est.EgressUSD + est.CPUUSD + est.StorageUSD
	return est
}
