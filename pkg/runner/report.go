package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/engine"
	"github.com/openfroyo/sitekick/pkg/stores"
)

// TaskReport is the outcome of one task in a run.
type TaskReport struct {
	TaskID string        `json:"task_id" yaml:"task_id"`
	Action engine.Action `json:"action" yaml:"action"`
	Target engine.Target `json:"target" yaml:"target"`

	Status stores.TaskStatus `json:"status" yaml:"status"`

	// Policy, Verify and Execute hold the entries of each phase. A phase
	// that did not run is nil.
	Policy  *deployment.Result `json:"policy,omitempty" yaml:"-"`
	Verify  *deployment.Result `json:"verify,omitempty" yaml:"-"`
	Execute *deployment.Result `json:"execute,omitempty" yaml:"-"`

	// Err is the error returned by the failing phase, if any.
	Err   error  `json:"-" yaml:"-"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
}

// Successful reports whether the task ran and execute reported no failure.
func (t *TaskReport) Successful() bool {
	return t.Status == stores.TaskStatusSucceeded
}

// Entries returns the policy, verify and execute entries in that order,
// tagged with their phase.
func (t *TaskReport) Entries() []stores.OutcomeEntry {
	var out []stores.OutcomeEntry
	out = append(out, stores.EntriesFrom(stores.PhasePolicy, t.Policy)...)
	out = append(out, stores.EntriesFrom(stores.PhaseVerify, t.Verify)...)
	out = append(out, stores.EntriesFrom(stores.PhaseExecute, t.Execute)...)
	return out
}

// Result merges the entries of every phase into one result.
func (t *TaskReport) Result() *deployment.Result {
	merged := deployment.NewResult()
	merged.Merge(t.Policy)
	merged.Merge(t.Verify)
	merged.Merge(t.Execute)
	return merged
}

func (t *TaskReport) setError(err error) {
	t.Err = err
	if err != nil {
		t.Error = err.Error()
	}
}

// RunReport is the outcome of one run of a task file.
type RunReport struct {
	RunID       string           `json:"run_id" yaml:"run_id"`
	TaskFile    string           `json:"task_file" yaml:"task_file"`
	Status      stores.RunStatus `json:"status" yaml:"status"`
	Successful  bool             `json:"successful" yaml:"successful"`
	DryRun      bool             `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Tasks       []*TaskReport    `json:"tasks" yaml:"tasks"`
	StartedAt   time.Time        `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time        `json:"completed_at" yaml:"completed_at"`
}

// Summary counts the tasks of the report by status.
func (r *RunReport) Summary() map[stores.TaskStatus]int {
	counts := make(map[stores.TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

// String renders every task with its entries, one per line.
func (r *RunReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s): %s\n", r.RunID, r.TaskFile, r.Status)
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "%s %s %s: %s\n", t.TaskID, t.Action, t.Target, t.Status)
		for _, e := range t.Result().Entries() {
			fmt.Fprintf(&b, "  %s\n", e)
		}
		if t.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", t.Error)
		}
	}
	return b.String()
}
