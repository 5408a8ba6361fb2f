package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/sitekick/pkg/deployment"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents how a single task ended
type TaskStatus string

const (
	// TaskStatusSucceeded means execute reported no failure.
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed means execute reported a failure or returned an error.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusBlocked means a blocking policy violation skipped execute.
	TaskStatusBlocked TaskStatus = "blocked"

	// TaskStatusSkipped means the run stopped before the task started.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Phase names the run step that produced an outcome entry
type Phase string

const (
	PhasePolicy  Phase = "policy"
	PhaseVerify  Phase = "verify"
	PhaseExecute Phase = "execute"
)

// Run represents one run of a task file
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	TaskFile    string     `json:"task_file" yaml:"task_file"`
	Sources     string     `json:"sources" yaml:"sources"` // JSON array
	Status      RunStatus  `json:"status" yaml:"status"`
	Successful  bool       `json:"successful" yaml:"successful"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    string     `json:"metadata" yaml:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`

	// TaskCount and FailedTasks are computed on read.
	TaskCount   int `json:"task_count" yaml:"task_count"`
	FailedTasks int `json:"failed_tasks" yaml:"failed_tasks"`
}

// TaskResult is the recorded outcome of one task in a run
type TaskResult struct {
	ID          string         `json:"id" yaml:"id"`
	RunID       string         `json:"run_id" yaml:"run_id"`
	Seq         int            `json:"seq" yaml:"seq"`
	TaskID      string         `json:"task_id" yaml:"task_id"`
	Action      string         `json:"action" yaml:"action"`
	Host        string         `json:"host" yaml:"host"`
	Site        string         `json:"site" yaml:"site"`
	Application string         `json:"application" yaml:"application"`
	Status      TaskStatus     `json:"status" yaml:"status"`
	Successful  bool           `json:"successful" yaml:"successful"`
	Error       *string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Entries     []OutcomeEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// OutcomeEntry is one reported entry of a task result
type OutcomeEntry struct {
	ID      int64           `json:"id" yaml:"id"`
	Seq     int             `json:"seq" yaml:"seq"`
	Phase   Phase           `json:"phase" yaml:"phase"`
	Kind    deployment.Kind `json:"kind" yaml:"kind"`
	Message string          `json:"message" yaml:"message"`
}

// EntriesFrom converts a deployment result into outcome entries of phase.
func EntriesFrom(phase Phase, result *deployment.Result) []OutcomeEntry {
	if result == nil {
		return nil
	}
	entries := result.Entries()
	out := make([]OutcomeEntry, len(entries))
	for i, e := range entries {
		out[i] = OutcomeEntry{Phase: phase, Kind: e.Kind, Message: e.Message}
	}
	return out
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	Action    string    `json:"action" yaml:"action"`                           // e.g., "run.started", "task.blocked"
	Actor     string    `json:"actor" yaml:"actor"`                             // user or system identifier
	TargetID  *string   `json:"target_id,omitempty" yaml:"target_id,omitempty"` // run or host:site/app
	Details   *string   `json:"details,omitempty" yaml:"details,omitempty"`     // JSON blob
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Store defines the interface for run history persistence
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, successful bool, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Task result operations
	CreateTaskResult(ctx context.Context, result *TaskResult) error
	ListTaskResults(ctx context.Context, runID string) ([]*TaskResult, error)
	ListTargetHistory(ctx context.Context, host, site, application string, limit int) ([]*TaskResult, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
