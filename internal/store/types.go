// Package store defines the abstract Run Store interface shared by the
// embedded sqlitestore and the document-database mongostore adapters, plus
// the entities it persists: Study, Run, Summary, Event, and AgentOutput.
package store

import (
	"context"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/specmodel"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

type RunPhase string

const (
	PhaseBundle  RunPhase = "bundle"
	PhaseExecute RunPhase = "execute"
	PhaseExtract RunPhase = "extract"
	PhaseDone    RunPhase = "done"
)

// Study is the deduplicated, content-addressed study record.
type Study struct {
	SpecHash     specmodel.SpecHash
	CanonicalSpec []byte
	CreatedAt    time.Time
}

// Artifacts holds the bundle paths that become populated as phases
// complete.
type Artifacts struct {
	BundlePath     string `bson:"bundle_path,omitempty"`
	StatepointPath string `bson:"statepoint_path,omitempty"`
	ParquetPath    string `bson:"parquet_path,omitempty"`
}

// Run is one execution attempt for a Study.
type Run struct {
	RunID    string
	SpecHash specmodel.SpecHash

	Status RunStatus
	Phase  RunPhase

	Attempt         int
	ClaimedBy       string
	LeaseExpiresAt  *time.Time
	CancelRequested bool

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	RenewedAt *time.Time

	Artifacts Artifacts
	Error     *aonperr.Error
}

// Summary is the small structured record derived from the solver's
// statepoint, one per succeeded run.
type Summary struct {
	RunID               string
	SchemaVersion       int
	Keff                float64
	KeffStd             float64
	KeffUncertaintyPCM  float64
	NBatches            int
	NInactive           int
	NParticles          int
	ExtractedAt         time.Time
}

// Event is an append-only audit record of a Run state transition.
type Event struct {
	RunID   string
	TS      time.Time
	Type    string
	Agent   string
	Payload map[string]any
}

// AgentOutput is an out-of-core collaborator surface; the core never
// interprets Data.
type AgentOutput struct {
	RunID         string
	Agent         string
	Kind          string
	Data          map[string]any
	SchemaVersion int
	TS            time.Time
}

// ListFilter narrows list_runs queries.
type ListFilter struct {
	Status   RunStatus
	SpecHash specmodel.SpecHash
	Since    *time.Time
	Limit    int
}

// EventFilter narrows get_events queries.
type EventFilter struct {
	Since *time.Time
	Limit int
	Type  string
}

// PhaseUpdate carries the optional fields of update_run_phase; nil/zero
// fields are left unchanged.
type PhaseUpdate struct {
	Phase         RunPhase
	Status        *RunStatus
	Started       bool
	Ended         bool
	ArtifactsDelta *Artifacts
	Error         *aonperr.Error
}

// Store is the abstract Run Store interface (spec.md §4.3). Both
// adapters must implement claim_next as a single atomic compare-and-set;
// see the conformance suite in conformance_test.go.
type Store interface {
	UpsertStudy(ctx context.Context, hash specmodel.SpecHash, canonicalSpec []byte) (*Study, error)
	CreateRun(ctx context.Context, runID string, hash specmodel.SpecHash) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)
	UpdateRunPhase(ctx context.Context, runID string, update PhaseUpdate) (*Run, error)
	RequestCancel(ctx context.Context, runID string) (*Run, error)

	InsertSummary(ctx context.Context, s Summary) error
	GetSummary(ctx context.Context, runID string) (*Summary, error)

	AppendEvent(ctx context.Context, e Event) error
	GetEvents(ctx context.Context, runID string, filter EventFilter) ([]Event, error)

	InsertAgentOutput(ctx context.Context, o AgentOutput) error

	// ClaimNext atomically hands one ready run to worker, applying the
	// selection and update rules of spec.md §4.4. Returns nil, nil when no
	// candidate exists.
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*Run, error)
	// RenewLease extends lease_expires_at only if claimed_by == workerID.
	RenewLease(ctx context.Context, runID, workerID string, leaseTTL time.Duration) (stolen bool, err error)
	// Release terminates a claimed run; only succeeds if claimed_by ==
	// workerID.
	Release(ctx context.Context, runID, workerID string, finalStatus RunStatus, artifactsDelta *Artifacts, runErr *aonperr.Error) (stolen bool, err error)
	// ReapExpiredLeases re-queues runs whose lease has expired without
	// renewal; returns the run_ids it reset.
	ReapExpiredLeases(ctx context.Context) ([]string, error)

	Close() error
}
