// Copyright 2025 Certen Protocol
//
// Package checkpoint implements the durable per-item worklog and
// per-job checkpoint state (spec §4.5), over the same embedded KV store
// as the policy store. Two key prefixes stand in for the two tables the
// original design names: checkpoints (per job) and worklog entries
// (per job x plan-item key), plus a secondary index by content digest
// carried over from the original source's worklog SQL index.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c2concierge/retrosign/pkg/kv"
	"github.com/c2concierge/retrosign/pkg/model"

	"github.com/google/uuid"
)

const (
	prefixCheckpoint = "checkpoint/"
	prefixWorklog    = "worklog/"
	prefixByDigest   = "worklog-by-digest/"
	prefixPlanItem   = "planitem/"
)

// Store is the checkpoint/worklog store. CONCURRENCY: per-job writes are
// serialized by the caller (the executor processes one job at a time per
// Store instance); concurrent reads are safe.
type Store struct {
	kv *kv.Store
}

// New wraps an already-open embedded KV store.
func New(store *kv.Store) *Store {
	return &Store{kv: store}
}

// Initialize creates a new job, inserting every plan item as a queued
// worklog entry, and returns the generated job id. Each PlanItem is also
// persisted verbatim in a plan-item side table keyed by (job_id,
// plan_item_key): the worklog entry alone carries only the item's status
// and digests, not its source Objects, so resume needs this side table to
// reconstruct full PlanItems to feed back to the executor.
func (s *Store) Initialize(tenantID string, items []model.PlanItem) (string, error) {
	jobID := uuid.NewString()
	now := time.Now().UTC()

	cp := model.Checkpoint{
		JobID:     jobID,
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
		Total:     len(items),
		State:     model.JobRunning,
	}
	if err := s.putCheckpoint(cp); err != nil {
		return "", err
	}

	for _, item := range items {
		item.TenantID = tenantID
		if err := s.putPlanItem(jobID, item); err != nil {
			return "", err
		}

		entry := model.WorklogEntry{
			JobID:       jobID,
			PlanItemKey: item.Key(),
			Status:      model.WorkQueued,
			Attempt:     1,
			Timestamp:   now,
		}
		if err := s.putWorklogEntry(entry); err != nil {
			return "", err
		}
	}

	return jobID, nil
}

func (s *Store) putPlanItem(jobID string, item model.PlanItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal plan item: %w", err)
	}
	return s.kv.Set(kv.JoinKey(prefixPlanItem, jobID, item.Key()), raw)
}

// GetPlanItem loads the full PlanItem persisted for jobID/planItemKey by
// Initialize, so callers (notably resume) can reconstruct real work items
// rather than a stand-in carrying only the worklog's primary key.
func (s *Store) GetPlanItem(jobID, planItemKey string) (model.PlanItem, error) {
	raw, err := s.kv.Get(kv.JoinKey(prefixPlanItem, jobID, planItemKey))
	if err != nil {
		return model.PlanItem{}, fmt.Errorf("checkpoint: get plan item: %w", err)
	}
	var item model.PlanItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return model.PlanItem{}, fmt.Errorf("checkpoint: unmarshal plan item: %w", err)
	}
	return item, nil
}

// ListPlanItems returns every PlanItem persisted for jobID.
func (s *Store) ListPlanItems(jobID string) ([]model.PlanItem, error) {
	entries, err := s.kv.ScanPrefix(kv.JoinKey(prefixPlanItem, jobID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list plan items: %w", err)
	}
	out := make([]model.PlanItem, 0, len(entries))
	for _, e := range entries {
		var item model.PlanItem
		if err := json.Unmarshal(e.Value, &item); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal plan item: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) putCheckpoint(cp model.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal checkpoint: %w", err)
	}
	return s.kv.Set(kv.JoinKey(prefixCheckpoint, cp.JobID), raw)
}

// GetCheckpoint loads a job's checkpoint state.
func (s *Store) GetCheckpoint(jobID string) (model.Checkpoint, error) {
	raw, err := s.kv.Get(kv.JoinKey(prefixCheckpoint, jobID))
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: get checkpoint: %w", err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// ListJobs returns every checkpoint, most-recently-created first.
// Carried over from the original source's job-listing query (checkpoint.rs).
func (s *Store) ListJobs() ([]model.Checkpoint, error) {
	entries, err := s.kv.ScanPrefix([]byte(prefixCheckpoint))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list jobs: %w", err)
	}
	out := make([]model.Checkpoint, 0, len(entries))
	for _, e := range entries {
		var cp model.Checkpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CleanupOldJobs deletes every terminal job (and its worklog entries)
// whose checkpoint is older than olderThan. Carried over from the
// original source's retention-window cleanup (checkpoint.rs).
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for _, j := range jobs {
		if !isTerminal(j.State) || j.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.kv.DeletePrefix(kv.JoinKey(prefixWorklog, j.JobID)); err != nil {
			return deleted, err
		}
		if err := s.kv.DeletePrefix(kv.JoinKey(prefixPlanItem, j.JobID)); err != nil {
			return deleted, err
		}
		if err := s.kv.Delete(kv.JoinKey(prefixCheckpoint, j.JobID)); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func isTerminal(s model.JobState) bool {
	return s == model.JobCompleted || s == model.JobFailed || s == model.JobCancelled
}

func (s *Store) putWorklogEntry(entry model.WorklogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal worklog entry: %w", err)
	}
	if err := s.kv.Set(kv.JoinKey(prefixWorklog, entry.JobID, entry.PlanItemKey), raw); err != nil {
		return err
	}
	if entry.ContentDigest != "" {
		idxKey := kv.JoinKey(prefixByDigest, entry.ContentDigest, entry.JobID, entry.PlanItemKey)
		if err := s.kv.Set(idxKey, []byte{}); err != nil {
			return fmt.Errorf("checkpoint: index worklog entry: %w", err)
		}
	}
	return nil
}

// Transition advances a worklog entry to a new status. It enforces the
// monotonic ordering from spec §4.5: queued->hashed->signed->written,
// any-of-{queued,hashed,signed}->error, queued->skipped, and the single
// recovery edge error->queued on retry.
func (s *Store) Transition(jobID, planItemKey string, next model.WorkStatus, update func(*model.WorklogEntry)) (model.WorklogEntry, error) {
	entry, err := s.GetWorklogEntry(jobID, planItemKey)
	if err != nil {
		return model.WorklogEntry{}, err
	}
	if !validTransition(entry.Status, next) {
		return model.WorklogEntry{}, fmt.Errorf("checkpoint: invalid worklog transition %s -> %s", entry.Status, next)
	}
	entry.Status = next
	entry.Timestamp = time.Now().UTC()
	if update != nil {
		update(&entry)
	}
	if err := s.putWorklogEntry(entry); err != nil {
		return model.WorklogEntry{}, err
	}
	return entry, nil
}

func validTransition(from, to model.WorkStatus) bool {
	switch from {
	case model.WorkQueued:
		return to == model.WorkHashed || to == model.WorkError || to == model.WorkSkipped
	case model.WorkHashed:
		return to == model.WorkSigned || to == model.WorkError
	case model.WorkSigned:
		return to == model.WorkWritten || to == model.WorkError
	case model.WorkError:
		return to == model.WorkQueued // recovery on retry
	default:
		return false
	}
}

// GetWorklogEntry loads one entry by its primary key.
func (s *Store) GetWorklogEntry(jobID, planItemKey string) (model.WorklogEntry, error) {
	raw, err := s.kv.Get(kv.JoinKey(prefixWorklog, jobID, planItemKey))
	if err != nil {
		return model.WorklogEntry{}, fmt.Errorf("checkpoint: get worklog entry: %w", err)
	}
	var entry model.WorklogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.WorklogEntry{}, fmt.Errorf("checkpoint: unmarshal worklog entry: %w", err)
	}
	return entry, nil
}

// ListWorklogEntries returns every entry for jobID.
func (s *Store) ListWorklogEntries(jobID string) ([]model.WorklogEntry, error) {
	entries, err := s.kv.ScanPrefix(kv.JoinKey(prefixWorklog, jobID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list worklog entries: %w", err)
	}
	out := make([]model.WorklogEntry, 0, len(entries))
	for _, e := range entries {
		var entry model.WorklogEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal worklog entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetCompletedKeys returns the plan-item keys already written or skipped
// for jobID, i.e. the items a re-run of the job has no need to process.
func (s *Store) GetCompletedKeys(jobID string) (map[string]bool, error) {
	entries, err := s.ListWorklogEntries(jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, e := range entries {
		if e.Status == model.WorkWritten || e.Status == model.WorkSkipped {
			out[e.PlanItemKey] = true
		}
	}
	return out, nil
}

// FindByContentDigest returns every worklog entry recorded anywhere
// under contentDigest in the by-digest secondary index, across every
// job — the index's read path, letting a caller detect that this exact
// content was already signed (by this job or an earlier one) before
// re-publishing it, rather than signing it again.
func (s *Store) FindByContentDigest(contentDigest string) ([]model.WorklogEntry, error) {
	entries, err := s.kv.ScanPrefix(kv.JoinKey(prefixByDigest, contentDigest))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: scan by-digest index: %w", err)
	}
	out := make([]model.WorklogEntry, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(string(e.Key), "/")
		if len(parts) < 2 {
			continue
		}
		jobID, planItemKey := parts[len(parts)-2], parts[len(parts)-1]
		entry, err := s.GetWorklogEntry(jobID, planItemKey)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Resume enumerates queued and retry-eligible error entries for jobID so
// the executor can feed them back through the pipeline. maxAttempts
// bounds how many attempts an error entry may have accumulated before it
// is considered exhausted rather than retryable.
func (s *Store) Resume(jobID string, maxAttempts int) ([]model.WorklogEntry, error) {
	entries, err := s.ListWorklogEntries(jobID)
	if err != nil {
		return nil, err
	}
	out := make([]model.WorklogEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Status {
		case model.WorkQueued:
			out = append(out, e)
		case model.WorkError:
			if e.Attempt < maxAttempts {
				e.Status = model.WorkQueued
				e.Attempt++
				if err := s.putWorklogEntry(e); err != nil {
					return nil, err
				}
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Stats computes the aggregate worklog statistics for jobID, carried over
// from the original source's worklog statistics query.
func (s *Store) Stats(jobID string) (model.WorklogStats, error) {
	entries, err := s.ListWorklogEntries(jobID)
	if err != nil {
		return model.WorklogStats{}, err
	}
	var stats model.WorklogStats
	for _, e := range entries {
		stats.Total++
		switch e.Status {
		case model.WorkWritten:
			stats.Written++
		case model.WorkSkipped:
			stats.Skipped++
		case model.WorkError:
			stats.Error++
		case model.WorkQueued:
			stats.Queued++
		}
	}
	return stats, nil
}

// UpdateProgress updates a job's processed/failed/skipped counters.
func (s *Store) UpdateProgress(jobID string, processed, failed, skipped int) error {
	cp, err := s.GetCheckpoint(jobID)
	if err != nil {
		return err
	}
	cp.Processed = processed
	cp.Failed = failed
	cp.Skipped = skipped
	cp.UpdatedAt = time.Now().UTC()
	return s.putCheckpoint(cp)
}

// CompleteJob marks jobID as completed.
func (s *Store) CompleteJob(jobID string) error {
	return s.setJobState(jobID, model.JobCompleted)
}

// FailJob marks jobID as failed.
func (s *Store) FailJob(jobID string) error {
	return s.setJobState(jobID, model.JobFailed)
}

func (s *Store) setJobState(jobID string, state model.JobState) error {
	cp, err := s.GetCheckpoint(jobID)
	if err != nil {
		return err
	}
	cp.State = state
	cp.UpdatedAt = time.Now().UTC()
	return s.putCheckpoint(cp)
}
