package blueprint

import (
	"encoding/json"
	"time"
)

// Source is a reusable content block. Its body is a storage-format document
// tree; embeds reference it by ID and render it with their own variable and
// toggle selections. Trees stay untyped (map[string]any) end to end: they
// arrive from the page API as arbitrary JSON and we must preserve node
// shapes we do not model.
type Source struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Category    string         `json:"category,omitempty"`
	Description string         `json:"description,omitempty"`
	Body        map[string]any `json:"body"`
	Variables   []VariableDef  `json:"variables,omitempty"`
	Toggles     []ToggleDef    `json:"toggles,omitempty"`
	ContentHash string         `json:"contentHash,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// VariableDef declares a named substitution slot in a Source body.
type VariableDef struct {
	Name         string `json:"name"`
	DefaultValue string `json:"defaultValue,omitempty"`
	Description  string `json:"description,omitempty"`
}

// ToggleDef declares a named optional section in a Source body.
type ToggleDef struct {
	Name           string `json:"name"`
	DefaultEnabled bool   `json:"defaultEnabled,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Embed is one placement of a Source on a page. LocalID is the placement's
// own identity; SourceID binds it to the block it renders.
type Embed struct {
	LocalID       string            `json:"localId"`
	SourceID      string            `json:"sourceId,omitempty"`
	PageID        string            `json:"pageId,omitempty"`
	PageTitle     string            `json:"pageTitle,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Toggles       map[string]bool   `json:"toggles,omitempty"`
	Insertions    []Insertion       `json:"insertions,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Approval      *ApprovalState    `json:"approval,omitempty"`
	SyncedHash    string            `json:"syncedHash,omitempty"`
	SyncedContent map[string]any    `json:"syncedContent,omitempty"`
	LastSyncedAt  time.Time         `json:"lastSyncedAt,omitzero"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Insertion is placement-local content spliced into the rendered body after
// the named anchor node, or appended when Anchor is empty.
type Insertion struct {
	ID     string         `json:"id,omitempty"`
	Anchor string         `json:"anchor,omitempty"`
	Body   map[string]any `json:"body"`
}

// ApprovalState tracks the review status of one placement.
type ApprovalState struct {
	Status  string          `json:"status"`
	History []ApprovalEvent `json:"history,omitempty"`
}

// ApprovalEvent is one transition in a placement's review history.
type ApprovalEvent struct {
	Status string    `json:"status"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// UsageEntry is the usage-index record for one Source: every placement known
// to reference it, with enough denormalized metadata to reconcile without a
// per-placement lookup.
type UsageEntry struct {
	SourceID   string      `json:"sourceId"`
	Placements []Placement `json:"placements"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Placement is one usage-index row. SourceID is denormalized from the bucket
// it lives under and can be empty on records written before the field
// existed; reconciliation repairs those from the placement's own config.
type Placement struct {
	LocalID   string            `json:"localId"`
	SourceID  string            `json:"sourceId,omitempty"`
	PageID    string            `json:"pageId,omitempty"`
	PageTitle string            `json:"pageTitle,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Toggles   map[string]bool   `json:"toggles,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt,omitzero"`
}

// Reference is a usage-index row as seen by the reconciliation worker:
// the placement plus the bucket it was collected from.
type Reference struct {
	Placement
	IndexSourceID string `json:"indexSourceId"`
}

// QuarantinedEmbed is a soft-deleted placement. The live record is preserved
// verbatim alongside deletion metadata so a restore is an exact undo.
type QuarantinedEmbed struct {
	Embed             Embed             `json:"embed"`
	DeletedAt         time.Time         `json:"deletedAt"`
	DeletedBy         string            `json:"deletedBy,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	JobID             string            `json:"jobId,omitempty"`
	CanRecover        bool              `json:"canRecover"`
	LiveRecordMissing bool              `json:"liveRecordMissing,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// QuarantinedSource is a soft-deleted Source.
type QuarantinedSource struct {
	Source     Source    `json:"source"`
	DeletedAt  time.Time `json:"deletedAt"`
	DeletedBy  string    `json:"deletedBy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CanRecover bool      `json:"canRecover"`
}

// BackupMeta describes one point-in-time backup of the embed store.
type BackupMeta struct {
	BackupID   string    `json:"backupId"`
	CreatedAt  time.Time `json:"createdAt"`
	Operation  string    `json:"operation,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	Count      int       `json:"count"`
	Truncated  bool      `json:"truncated,omitempty"`
	CanRestore bool      `json:"canRestore"`
}

// Phase is one stage of a reconciliation job's lifecycle.
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseInitializing Phase = "initializing"
	PhaseBackup       Phase = "backup"
	PhaseFetching     Phase = "fetching"
	PhaseCollecting   Phase = "collecting"
	PhaseProcessing   Phase = "processing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

// Terminal reports whether no further progress updates can follow.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Progress is the externally visible state of one reconciliation job.
// Percent never decreases for a given job, even when phases re-report.
type Progress struct {
	JobID     string            `json:"jobId"`
	Phase     Phase             `json:"phase"`
	Percent   int               `json:"percent"`
	Message   string            `json:"message,omitempty"`
	Totals    ProgressTotals    `json:"totals"`
	Error     string            `json:"error,omitempty"`
	Result    *ReconcileSummary `json:"result,omitempty"`
	StartedAt time.Time         `json:"startedAt,omitzero"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// ProgressTotals carries the work counters behind the percent figure.
type ProgressTotals struct {
	Pages      int `json:"pages,omitempty"`
	PagesDone  int `json:"pagesDone,omitempty"`
	References int `json:"references,omitempty"`
	Processed  int `json:"processed,omitempty"`
}

// Classification is the reconciliation verdict for one reference.
type Classification string

const (
	ClassActive   Classification = "active"
	ClassStale    Classification = "stale"
	ClassOrphaned Classification = "orphaned"
	ClassBroken   Classification = "broken"
)

// ReferenceOutcome records the verdict and supporting detail for one
// reference examined during a reconciliation run.
type ReferenceOutcome struct {
	LocalID        string         `json:"localId"`
	SourceID       string         `json:"sourceId,omitempty"`
	PageID         string         `json:"pageId,omitempty"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
}

// ReconcileSummary is the final result of one reconciliation job.
type ReconcileSummary struct {
	JobID      string             `json:"jobId"`
	DryRun     bool               `json:"dryRun"`
	BackupID   string             `json:"backupId,omitempty"`
	Active     int                `json:"active"`
	Stale      int                `json:"stale"`
	Orphaned   int                `json:"orphaned"`
	Broken     int                `json:"broken"`
	Repaired   int                `json:"repaired"`
	Examined   int                `json:"examined"`
	Outcomes   []ReferenceOutcome `json:"outcomes,omitempty"`
	Truncated  bool               `json:"truncated,omitempty"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// ReconcileJob is the queued request a worker picks up.
type ReconcileJob struct {
	JobID       string    `json:"jobId"`
	DryRun      bool      `json:"dryRun"`
	SkipBackup  bool      `json:"skipBackup,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// VersionRecord is one retained snapshot of a record's prior value.
type VersionRecord struct {
	VersionID string            `json:"versionId"`
	Store     string            `json:"store"`
	RecordKey string            `json:"recordKey"`
	SavedAt   time.Time         `json:"savedAt"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Value     json.RawMessage   `json:"value"`
}

// PublishedPlacement is one verified placement in the publication cache.
type PublishedPlacement struct {
	LocalID    string         `json:"localId"`
	SourceID   string         `json:"sourceId"`
	PageID     string         `json:"pageId"`
	PageTitle  string         `json:"pageTitle,omitempty"`
	Rendered   map[string]any `json:"rendered,omitempty"`
	VerifiedAt time.Time      `json:"verifiedAt"`
}

// PublicationCacheEntry is a derived view of verified placements, keyed by
// Source or by page. It is rebuilt, never authored.
type PublicationCacheEntry struct {
	Placements []PublishedPlacement `json:"placements"`
	RebuiltAt  time.Time            `json:"rebuiltAt"`
}

// PageSourcesRecord lists the Source blocks last seen on one page, for
// diffing page-published events against the previous scan.
type PageSourcesRecord struct {
	PageID    string    `json:"pageId"`
	SourceIDs []string  `json:"sourceIds"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncWatermark records, per page, the newest page version already folded
// in, so replayed or out-of-order publish events are recognized and skipped.
type SyncWatermark struct {
	Pages     map[string]int `json:"pages,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
