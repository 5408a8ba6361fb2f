package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/engine"
	"github.com/openfroyo/sitekick/pkg/policy"
	"github.com/openfroyo/sitekick/pkg/stores"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// Options configures a Runner.
type Options struct {
	// Accessor reaches the hosts the tasks address. Required.
	Accessor topology.Accessor

	// Policies guards every intent before it runs. Optional.
	Policies *policy.Engine

	// Store records run history. Optional.
	Store stores.Store

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	// Actor is recorded in audit entries and passed to policies as the
	// user. Defaults to $USER.
	Actor string

	// Environment is passed to policies.
	Environment string

	// DryRun evaluates policies and verifies every task without executing.
	DryRun bool

	// StopOnFailure skips the remaining tasks once a task fails or is blocked.
	StopOnFailure bool
}

// Runner runs the tasks of a task file in declaration order.
type Runner struct {
	opts       Options
	reconciler *engine.Reconciler
	tel        *telemetry.Telemetry
	log        *telemetry.Logger
}

// New creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.Accessor == nil {
		return nil, errors.New("runner: accessor is required")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}
	if opts.Actor == "" {
		opts.Actor = os.Getenv("USER")
	}
	if opts.Actor == "" {
		opts.Actor = "sitekick"
	}

	tel := opts.Telemetry
	return &Runner{
		opts:       opts,
		reconciler: engine.NewReconciler(opts.Accessor, tel.Logger, tel.Metrics, tel.Tracer),
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("runner"),
	}, nil
}

// Reconciler returns the reconciler tasks are executed with.
func (r *Runner) Reconciler() *engine.Reconciler {
	return r.reconciler
}

// Run runs every task of file. A task that fails does not stop the run
// unless StopOnFailure is set. The returned error is reserved for task
// files with validation errors and for run history that cannot be
// created; task failures are reported in the RunReport.
func (r *Runner) Run(ctx context.Context, file *config.TaskFile) (*RunReport, error) {
	if file == nil {
		return nil, errors.New("runner: task file is nil")
	}
	if file.HasErrors() {
		return nil, fmt.Errorf("task file %s has validation errors", file.Name)
	}

	report := &RunReport{
		RunID:     uuid.New().String(),
		TaskFile:  file.Name,
		Status:    stores.RunStatusRunning,
		DryRun:    r.opts.DryRun,
		StartedAt: time.Now().UTC(),
	}
	log := r.log.WithRunID(report.RunID)

	ctx, span := r.tel.Tracer.StartRunSpan(ctx, report.RunID)
	defer span.End()

	if err := r.createRun(ctx, file, report); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"task_file": file.Name,
		"tasks":     len(file.Tasks),
		"dry_run":   r.opts.DryRun,
	}).Info("Run started")
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   report.RunID,
		Message: fmt.Sprintf("Run of %s started", file.Name),
		Data:    map[string]interface{}{"task_file": file.Name, "tasks": len(file.Tasks)},
	})

	stopped := false
	for i, task := range file.Tasks {
		var tr *TaskReport
		if stopped || ctx.Err() != nil {
			tr = skippedTask(task)
		} else {
			tr = r.runTask(ctx, report.RunID, file.Name, task)
		}
		report.Tasks = append(report.Tasks, tr)
		r.recordTask(ctx, report.RunID, i, tr)

		if r.opts.StopOnFailure && (tr.Status == stores.TaskStatusFailed || tr.Status == stores.TaskStatusBlocked) {
			stopped = true
		}
	}

	r.finishRun(ctx, report)

	if report.Successful {
		telemetry.RecordSuccess(span)
	} else {
		span.SetAttributes(telemetry.AttrSuccessful.Bool(false))
	}
	log.WithFields(map[string]interface{}{
		"status":     string(report.Status),
		"successful": report.Successful,
		"duration":   report.CompletedAt.Sub(report.StartedAt).String(),
	}).Info("Run completed")

	return report, nil
}

// runTask guards, verifies and executes one task.
func (r *Runner) runTask(ctx context.Context, runID, taskFile string, task config.TaskConfig) *TaskReport {
	intent := task.Intent()
	tr := &TaskReport{
		TaskID:    task.ID,
		Action:    intent.Action(),
		Target:    intent.Target(),
		StartedAt: time.Now().UTC(),
	}
	defer func() { tr.CompletedAt = time.Now().UTC() }()

	log := r.log.WithRunID(runID).
		WithTarget(tr.Target.Host, tr.Target.Site, tr.Target.Application).
		WithField("task", task.ID)

	if r.opts.Policies != nil {
		allowed, err := r.guard(ctx, runID, taskFile, intent, tr)
		if err != nil {
			tr.setError(err)
			tr.Status = stores.TaskStatusSkipped
			return tr
		}
		if !allowed {
			tr.Status = stores.TaskStatusBlocked
			log.Warnf("Task blocked by policy (%d failures)", tr.Policy.Count(deployment.KindFailure))
			return tr
		}
	}

	// Verify is advisory: its alerts never gate execute.
	verify, err := r.reconciler.Verify(ctx, intent)
	tr.Verify = verify
	if err != nil {
		log.WithError(err).Warn("Verification failed")
	}

	if r.opts.DryRun {
		tr.Status = stores.TaskStatusSkipped
		if err != nil {
			tr.setError(err)
		}
		return tr
	}

	execute, err := r.reconciler.Execute(ctx, intent)
	tr.Execute = execute
	switch {
	case err != nil:
		tr.setError(err)
		tr.Status = stores.TaskStatusFailed
	case !execute.Successful():
		tr.Status = stores.TaskStatusFailed
	default:
		tr.Status = stores.TaskStatusSucceeded
	}
	log.Infof("Task %s", tr.Status)
	return tr
}

// guard evaluates the policies for intent and records their verdicts as
// the policy phase of tr. Blocking violations become Failure entries;
// warnings and policies that could not be evaluated become Alerts.
func (r *Runner) guard(ctx context.Context, runID, taskFile string, intent engine.Intent, tr *TaskReport) (bool, error) {
	res, err := r.opts.Policies.Evaluate(ctx, intent, &policy.PolicyContext{
		User:        r.opts.Actor,
		Environment: r.opts.Environment,
		RunID:       runID,
		TaskFile:    taskFile,
		DryRun:      r.opts.DryRun,
	})
	if err != nil {
		return false, fmt.Errorf("policy evaluation: %w", err)
	}

	result := deployment.NewResult()
	for _, v := range res.Violations {
		result.AddFailure("Policy '%s' denied %s: %s", v.Policy, tr.Target, v.Message)
		r.publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			RunID:   runID,
			Host:    tr.Target.Host,
			Level:   telemetry.EventLevelError,
			Message: v.Message,
			Data:    map[string]interface{}{"policy": v.Policy, "severity": string(v.Severity), "task": tr.TaskID},
		})
	}
	for _, v := range res.Warnings {
		result.AddAlert("Policy '%s' warns about %s: %s", v.Policy, tr.Target, v.Message)
	}
	for _, f := range res.Failures {
		result.AddAlert("Policy check skipped: %s", f)
	}
	tr.Policy = result
	return res.Allowed, nil
}

func skippedTask(task config.TaskConfig) *TaskReport {
	intent := task.Intent()
	now := time.Now().UTC()
	return &TaskReport{
		TaskID:      task.ID,
		Action:      intent.Action(),
		Target:      intent.Target(),
		Status:      stores.TaskStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// finishRun derives the run status, closes the run record and publishes
// the completion event.
func (r *Runner) finishRun(ctx context.Context, report *RunReport) {
	report.CompletedAt = time.Now().UTC()

	summary := report.Summary()
	failed := summary[stores.TaskStatusFailed] + summary[stores.TaskStatusBlocked]
	switch {
	case ctx.Err() != nil:
		report.Status = stores.RunStatusCancelled
	case failed > 0:
		report.Status = stores.RunStatusFailed
	default:
		report.Status = stores.RunStatusCompleted
	}
	report.Successful = report.Status == stores.RunStatusCompleted &&
		summary[stores.TaskStatusSucceeded] == len(report.Tasks)
	if report.DryRun {
		report.Successful = report.Status == stores.RunStatusCompleted
	}

	if r.opts.Store != nil {
		var errMsg *string
		if failed > 0 {
			msg := fmt.Sprintf("%d of %d tasks failed", failed, len(report.Tasks))
			errMsg = &msg
		}
		// The run record must be closed even when ctx was cancelled.
		storeCtx := context.WithoutCancel(ctx)
		if err := r.opts.Store.FinishRun(storeCtx, report.RunID, report.Status, report.Successful, errMsg); err != nil {
			r.log.WithRunID(report.RunID).WithError(err).Error("Failed to record run completion")
		}
		r.audit(storeCtx, "run.completed", report.RunID, map[string]interface{}{
			"status":     report.Status,
			"successful": report.Successful,
		})
	}

	level := telemetry.EventLevelInfo
	if !report.Successful {
		level = telemetry.EventLevelError
	}
	r.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   report.RunID,
		Level:   level,
		Message: fmt.Sprintf("Run completed with status: %s", report.Status),
		Data:    map[string]interface{}{"successful": report.Successful, "tasks": len(report.Tasks)},
	})
}

func (r *Runner) createRun(ctx context.Context, file *config.TaskFile, report *RunReport) error {
	if r.opts.Store == nil {
		return nil
	}

	sources, err := json.Marshal(file.SourceFiles)
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"actor":       r.opts.Actor,
		"environment": r.opts.Environment,
		"dry_run":     r.opts.DryRun,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	run := &stores.Run{
		ID:        report.RunID,
		TaskFile:  file.Name,
		Sources:   string(sources),
		Status:    stores.RunStatusRunning,
		StartedAt: report.StartedAt,
		Metadata:  string(metadata),
	}
	if err := r.opts.Store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	r.audit(ctx, "run.started", report.RunID, map[string]interface{}{"task_file": file.Name})
	return nil
}

// recordTask persists a task result and publishes its event. History
// failures are logged; they never fail the task.
func (r *Runner) recordTask(ctx context.Context, runID string, seq int, tr *TaskReport) {
	level, eventType := telemetry.EventLevelInfo, telemetry.EventTypeTaskCompleted
	if tr.Status == stores.TaskStatusFailed || tr.Status == stores.TaskStatusBlocked {
		level, eventType = telemetry.EventLevelError, telemetry.EventTypeTaskFailed
	}
	r.publish(telemetry.Event{
		Type:    eventType,
		RunID:   runID,
		Host:    tr.Target.Host,
		Level:   level,
		Message: fmt.Sprintf("%s %s: %s", tr.Action, tr.Target, tr.Status),
		Data:    map[string]interface{}{"task": tr.TaskID, "status": string(tr.Status)},
	})

	if r.opts.Store == nil {
		return
	}
	storeCtx := context.WithoutCancel(ctx)

	completedAt := tr.CompletedAt
	result := &stores.TaskResult{
		RunID:       runID,
		Seq:         seq,
		TaskID:      tr.TaskID,
		Action:      string(tr.Action),
		Host:        tr.Target.Host,
		Site:        tr.Target.Site,
		Application: tr.Target.Application,
		Status:      tr.Status,
		Successful:  tr.Successful(),
		StartedAt:   tr.StartedAt,
		CompletedAt: &completedAt,
		Entries:     tr.Entries(),
	}
	if tr.Error != "" {
		msg := tr.Error
		result.Error = &msg
	}
	if err := r.opts.Store.CreateTaskResult(storeCtx, result); err != nil {
		r.log.WithRunID(runID).WithField("task", tr.TaskID).WithError(err).Error("Failed to record task result")
	}

	if tr.Status == stores.TaskStatusBlocked {
		r.audit(storeCtx, "task.blocked", tr.Target.String(), map[string]interface{}{
			"run_id": runID,
			"task":   tr.TaskID,
		})
	}
}

func (r *Runner) audit(ctx context.Context, action, target string, details map[string]interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: r.opts.Actor, TargetID: &target}
	if data, err := json.Marshal(details); err == nil {
		d := string(data)
		entry.Details = &d
	}
	if err := r.opts.Store.CreateAuditEntry(ctx, entry); err != nil {
		r.log.WithError(err).WithField("action", action).Warn("Failed to record audit entry")
	}
}

func (r *Runner) publish(event telemetry.Event) {
	if err := r.tel.Events.Publish(event); err != nil {
		r.log.WithError(err).WithField("event", event.Type).Debug("Event dropped")
	}
}
