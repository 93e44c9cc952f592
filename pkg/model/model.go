// Copyright 2025 Certen Protocol
//
// Package model holds the data-model types shared across the planner,
// executor, policy store, checkpoint store, rotation engine, and
// incident engine, so those packages can exchange values without
// importing one another directly.
package model

import "time"

// InventoryRecord describes one object discovered during inventory
// ingestion. Immutable once created.
type InventoryRecord struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	MIME         string    `json:"mime"`
	Origin       string    `json:"origin"`
	TenantID     string    `json:"tenant_id"`
}

// ContentGroup groups InventoryRecords the planner believes share byte
// content, derived during planning.
type ContentGroup struct {
	ContentFingerprint string            `json:"content_fingerprint"`
	Objects            []InventoryRecord `json:"objects"`
	CanonicalObject    string            `json:"canonical_object"`
	UniqueSize         int64             `json:"unique_size"`
	TotalSize          int64             `json:"total_size"`
}

// PlanMode selects whether a manifest is published remotely or with an
// embed hint retained alongside it.
type PlanMode string

const (
	PlanModeRemote PlanMode = "remote"
	PlanModeEmbed  PlanMode = "embed"
)

// PlanItem is one unit of work for the executor, one per ContentGroup.
// Immutable input to the executor.
type PlanItem struct {
	ContentFingerprint string            `json:"content_fingerprint"`
	Objects            []InventoryRecord `json:"objects"`
	Mode               PlanMode          `json:"mode"`
	PreserveEmbedHint  bool              `json:"preserve_embed_hint"`
	EstimatedSize      int64             `json:"estimated_size"`
	TenantID           string            `json:"tenant_id"`
}

// Key returns the plan item's worklog primary-key component. The content
// fingerprint is stable for a given byte-identical content group, which
// is exactly the identity the worklog needs.
func (p PlanItem) Key() string {
	return p.ContentFingerprint
}

// WorkStatus is the worklog status of a single plan item within a job.
type WorkStatus string

const (
	WorkQueued  WorkStatus = "queued"
	WorkHashed  WorkStatus = "hashed"
	WorkSigned  WorkStatus = "signed"
	WorkWritten WorkStatus = "written"
	WorkSkipped WorkStatus = "skipped"
	WorkError   WorkStatus = "error"
)

// Terminal reports whether status ends an item's processing for the
// current attempt (no further stage transitions without a retry).
func (s WorkStatus) Terminal() bool {
	switch s {
	case WorkWritten, WorkSkipped, WorkError:
		return true
	default:
		return false
	}
}

// WorklogEntry is the durable per-item state record. Primary key is
// (JobID, PlanItemKey); status transitions are monotonic except for
// recovery from WorkError back to WorkQueued.
type WorklogEntry struct {
	JobID          string     `json:"job_id"`
	PlanItemKey    string     `json:"plan_item_key"`
	ContentDigest  string     `json:"content_digest"`
	ManifestDigest string     `json:"manifest_digest,omitempty"`
	Status         WorkStatus `json:"status"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Attempt        int        `json:"attempt"`
	Timestamp      time.Time  `json:"timestamp"`
}

// WorklogStats is an aggregate count of a job's worklog entries by
// status, carried over from the original source's worklog statistics
// query.
type WorklogStats struct {
	Total   int64 `json:"total"`
	Written int64 `json:"written"`
	Skipped int64 `json:"skipped"`
	Error   int64 `json:"error"`
	Queued  int64 `json:"queued"`
}

// JobState is the lifecycle state of a checkpointed job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Checkpoint is the per-job progress record.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Cursor    int       `json:"cursor"`
	State     JobState  `json:"state"`
}

// BackendKind tags which signing-backend variant a KeyConfig targets.
type BackendKind string

const (
	BackendSoftware BackendKind = "software"
	BackendHSM      BackendKind = "hsm"
	BackendKMS      BackendKind = "kms"
	BackendCloudHSM BackendKind = "cloud_hsm"
	BackendTransit  BackendKind = "transit"
)

// KeyConfig describes the active (or previous) key handle for a tenant.
type KeyConfig struct {
	BackendKind        BackendKind `json:"backend_kind"`
	Provider           string      `json:"provider"`
	Handle             string      `json:"handle"`
	CertChainPEM       string      `json:"cert_chain,omitempty"`
	NotBefore          time.Time   `json:"not_before"`
	NotAfter           time.Time   `json:"not_after"`
	RotateEveryDays    int         `json:"rotate_every_days"`
	MaxIssuancePer24h  int64       `json:"max_issuance_per_24h"`
	SignEnabled        bool        `json:"sign_enabled"`
}

// SigningPolicy is the per-tenant signing policy.
type SigningPolicy struct {
	TenantID             string    `json:"tenant_id"`
	Algorithm            string    `json:"algorithm"`
	TSAProfile           string    `json:"tsa_profile"`
	AssertionsAllow      []string  `json:"assertions_allow,omitempty"`
	AssertionsDeny       []string  `json:"assertions_deny,omitempty"`
	EmbedAllowedOrigins  []string  `json:"embed_allowed_origins,omitempty"`
	Key                  KeyConfig `json:"key"`
	PolicyHash           string    `json:"policy_hash"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RotationCalendarStatus is the lifecycle state of a scheduled rotation
// entry in the policy calendar (distinct from RotationState, the live
// FSM state of an in-progress rotation).
type RotationCalendarStatus string

const (
	CalendarScheduled  RotationCalendarStatus = "scheduled"
	CalendarApproved   RotationCalendarStatus = "approved"
	CalendarInProgress RotationCalendarStatus = "in_progress"
	CalendarCompleted  RotationCalendarStatus = "completed"
	CalendarCancelled  RotationCalendarStatus = "cancelled"
)

// RotationCalendar is a scheduled future rotation for a tenant.
type RotationCalendar struct {
	TenantID         string                 `json:"tenant_id"`
	ScheduledAt      time.Time              `json:"scheduled_at"`
	WindowStart      time.Time              `json:"window_start"`
	WindowEnd        time.Time              `json:"window_end"`
	Owner            string                 `json:"owner"`
	ApprovalRequired bool                   `json:"approval_required"`
	Status           RotationCalendarStatus `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
}

// RotationState is the rotation engine's authoritative FSM state
// vocabulary (spec.md §4.7 / §9 Open Question resolution).
type RotationState string

const (
	RotationScheduled  RotationState = "Scheduled"
	RotationPrepared   RotationState = "Prepared"
	RotationCanary     RotationState = "Canary"
	RotationCutover    RotationState = "Cutover"
	RotationVerifying  RotationState = "Verifying"
	RotationCompleted  RotationState = "Completed"
	RotationRolledBack RotationState = "RolledBack"
	RotationFailed     RotationState = "Failed"
)

// Terminal reports whether state ends a rotation's lifetime.
func (s RotationState) Terminal() bool {
	switch s {
	case RotationCompleted, RotationRolledBack, RotationFailed:
		return true
	default:
		return false
	}
}

// RotationHistoryEntry journals one FSM transition.
type RotationHistoryEntry struct {
	State     RotationState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
	Note      string        `json:"note"`
}

// RotationContext is the live state of one rotation.
type RotationContext struct {
	RotationID string                 `json:"rotation_id"`
	TenantID   string                 `json:"tenant_id"`
	OldHandle  string                 `json:"old_handle"`
	NewHandle  string                 `json:"new_handle,omitempty"`
	State      RotationState          `json:"state"`
	History    []RotationHistoryEntry `json:"history"`
}

// IncidentType enumerates the incidents the incident engine can detect.
type IncidentType string

const (
	IncidentKeyCompromise     IncidentType = "KeyCompromise"
	IncidentBackendOutage     IncidentType = "BackendOutage"
	IncidentPolicyBreach      IncidentType = "PolicyBreach"
	IncidentRateLimitExceeded IncidentType = "RateLimitExceeded"
	IncidentAttestationFailure IncidentType = "AttestationFailure"
)

// IncidentSeverity drives auto-escalation.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "Low"
	SeverityMedium   IncidentSeverity = "Medium"
	SeverityHigh     IncidentSeverity = "High"
	SeverityCritical IncidentSeverity = "Critical"
)

// IncidentState is the detect→triage→respond→resolve lifecycle state.
type IncidentState string

const (
	IncidentOpen      IncidentState = "Open"
	IncidentTriaged   IncidentState = "Triaged"
	IncidentResponding IncidentState = "Responding"
	IncidentResolved  IncidentState = "Resolved"
)

// IncidentContext is the live state of one incident.
type IncidentContext struct {
	IncidentID   string        `json:"incident_id"`
	TenantID     string        `json:"tenant_id"`
	Type         IncidentType  `json:"type"`
	Severity     IncidentSeverity `json:"severity"`
	AffectedKeys []string      `json:"affected_keys,omitempty"`
	State        IncidentState `json:"state"`
	ActionsTaken []string      `json:"actions_taken,omitempty"`
	OpenedAt     time.Time     `json:"opened_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// TrustPackManifest is the trust pack's self-describing metadata entry
// (spec §3/§4.9 manifest.json).
type TrustPackManifest struct {
	Version    string            `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	AsOf       time.Time         `json:"as_of"`
	PackHashes map[string]string `json:"pack_hashes"`
	PackKind   string            `json:"pack_kind"`
}

// TrustedIssuer is one entry in the trust pack's known-issuer directory.
type TrustedIssuer struct {
	Subject     string    `json:"subject"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
}

// TrustSignature binds a trust pack's canonical content to the key that
// signed it.
type TrustSignature struct {
	Alg       string `json:"alg"` // ES256 or Ed25519
	Signer    string `json:"signer"`
	Signature []byte `json:"signature_bytes"`
}

// TrustPack is the signed, versioned bundle of trust material the
// offline verifier loads (spec §3/§4.9). It is self-describing and
// signed as a whole; CRLSnapshots maps a CA identifier to its raw CRL
// bytes.
type TrustPack struct {
	Manifest     TrustPackManifest `json:"manifest"`
	RootsPEM     []byte            `json:"roots_pem"`
	Issuers      []TrustedIssuer   `json:"issuers"`
	TSARootsPEM  []byte            `json:"tsa_roots_pem,omitempty"`
	CRLSnapshots map[string][]byte `json:"crl_snapshots,omitempty"`
	Signature    TrustSignature    `json:"signature"`
}

// Verdict is the offline verifier's graded result (spec §4.9).
type Verdict string

const (
	VerdictVerified             Verdict = "Verified"
	VerdictVerifiedWithWarnings Verdict = "VerifiedWithWarnings"
	VerdictUnverified           Verdict = "Unverified"
	VerdictUnresolved           Verdict = "Unresolved"
	VerdictTrustOutdated        Verdict = "TrustOutdated"
)

// ExitCode returns the CLI exit code associated with v (spec §4.9).
func (v Verdict) ExitCode() int {
	switch v {
	case VerdictVerified:
		return 0
	case VerdictVerifiedWithWarnings:
		return 2
	case VerdictUnverified:
		return 3
	case VerdictUnresolved:
		return 4
	case VerdictTrustOutdated:
		return 10
	default:
		return 1
	}
}

// rank orders verdicts by spec §4.9's precedence: "unresolved >
// unverified > trust-outdated > verified-with-warnings > verified".
// Higher rank wins when folding multiple signals into one verdict.
func (v Verdict) rank() int {
	switch v {
	case VerdictUnresolved:
		return 4
	case VerdictUnverified:
		return 3
	case VerdictTrustOutdated:
		return 2
	case VerdictVerifiedWithWarnings:
		return 1
	default:
		return 0
	}
}

// WorseVerdict returns whichever of a, b has higher precedence.
func WorseVerdict(a, b Verdict) Verdict {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
