package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/sitekick/pkg/deployment"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{ID: id, TaskFile: "shop", StartedAt: startedAt}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "task_results", "outcome_entries", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{TaskFile: "shop-rollout", Sources: `["rollout.cue"]`}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected generated run ID")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.TaskFile != "shop-rollout" || got.Status != RunStatusRunning || got.Metadata != "{}" {
		t.Errorf("unexpected run %+v", got)
	}
	if got.CompletedAt != nil || got.Successful {
		t.Errorf("new run should be open and unsuccessful: %+v", got)
	}

	errMsg := "web01 unreachable"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, false, &errMsg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error == nil || *got.Error != errMsg || got.CompletedAt == nil {
		t.Errorf("unexpected finished run %+v", got)
	}

	if err := store.FinishRun(ctx, "missing", RunStatusCompleted, true, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		createRun(t, store, id, base.Add(time.Duration(i)*time.Hour))
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("unexpected first page %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Errorf("unexpected second page %v", runIDs(runs))
	}
	if !runs[0].StartedAt.Equal(base) {
		t.Errorf("started_at = %v, want %v", runs[0].StartedAt, base)
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestTaskResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-1", time.Now())

	verify := deployment.NewResult()
	verify.AddGood("'%s' site exists", "Shop")
	verify.AddAlert("Application '%s' DOES NOT exist", "/api")
	execute := deployment.NewResult()
	execute.AddFailure("Physical path for application '%s' is empty", "/api")

	entries := append(EntriesFrom(PhaseVerify, verify), EntriesFrom(PhaseExecute, execute)...)
	errMsg := "install failed"
	failed := &TaskResult{
		RunID:       run.ID,
		Seq:         1,
		TaskID:      "api",
		Action:      "install",
		Host:        "web01",
		Site:        "Shop",
		Application: "/api",
		Status:      TaskStatusFailed,
		Error:       &errMsg,
		Entries:     entries,
	}
	ok := &TaskResult{
		RunID:       run.ID,
		Seq:         0,
		TaskID:      "legacy",
		Action:      "uninstall",
		Host:        "web01",
		Site:        "Shop",
		Application: "/legacy",
		Status:      TaskStatusSucceeded,
		Successful:  true,
	}

	for _, r := range []*TaskResult{failed, ok} {
		if err := store.CreateTaskResult(ctx, r); err != nil {
			t.Fatalf("failed to create task result: %v", err)
		}
		if r.ID == "" {
			t.Fatal("expected generated task result ID")
		}
	}

	results, err := store.ListTaskResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(results) != 2 || results[0].TaskID != "legacy" || results[1].TaskID != "api" {
		t.Fatalf("unexpected task order")
	}

	got := results[1]
	if got.Status != TaskStatusFailed || got.Successful || got.Error == nil || *got.Error != errMsg {
		t.Errorf("unexpected task result %+v", got)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got.Entries))
	}
	wantKinds := []deployment.Kind{deployment.KindGood, deployment.KindAlert, deployment.KindFailure}
	wantPhases := []Phase{PhaseVerify, PhaseVerify, PhaseExecute}
	for i, e := range got.Entries {
		if e.Seq != i || e.Kind != wantKinds[i] || e.Phase != wantPhases[i] || e.ID == 0 {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
	if got.Entries[2].Message != "Physical path for application '/api' is empty" {
		t.Errorf("unexpected message %q", got.Entries[2].Message)
	}

	summary, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if summary.TaskCount != 2 || summary.FailedTasks != 1 {
		t.Errorf("task counts = %d/%d, want 2/1", summary.TaskCount, summary.FailedTasks)
	}
}

func TestCreateTaskResultRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-1", time.Now())

	bad := &TaskResult{
		RunID:       run.ID,
		TaskID:      "api",
		Action:      "install",
		Host:        "web01",
		Site:        "Shop",
		Application: "/api",
		Status:      TaskStatusFailed,
		Entries:     []OutcomeEntry{{Phase: PhaseExecute, Kind: "bogus", Message: "x"}},
	}
	if err := store.CreateTaskResult(ctx, bad); err == nil {
		t.Fatal("expected constraint violation")
	}

	results, err := store.ListTaskResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("task result should have been rolled back, got %d", len(results))
	}

	orphan := &TaskResult{RunID: "missing", TaskID: "x", Action: "uninstall", Status: TaskStatusSkipped}
	if err := store.CreateTaskResult(ctx, orphan); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestTargetHistoryAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	for i, started := range []time.Time{old, recent} {
		run := createRun(t, store, []string{"old", "recent"}[i], started)
		r := &TaskResult{
			RunID:       run.ID,
			TaskID:      "api",
			Action:      "install",
			Host:        "web01",
			Site:        "Shop",
			Application: "/api",
			Status:      TaskStatusSucceeded,
			Successful:  true,
			StartedAt:   started,
			Entries:     []OutcomeEntry{{Phase: PhaseExecute, Kind: deployment.KindGood, Message: "ok"}},
		}
		if err := store.CreateTaskResult(ctx, r); err != nil {
			t.Fatalf("failed to create task result: %v", err)
		}
	}

	history, err := store.ListTargetHistory(ctx, "web01", "Shop", "/api", 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 || history[0].RunID != "recent" {
		t.Fatalf("unexpected history order")
	}

	pruned, err := store.PruneRuns(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}

	history, err = store.ListTargetHistory(ctx, "web01", "Shop", "/api", 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("task results of pruned runs should cascade, got %d", len(history))
	}

	var entries int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outcome_entries").Scan(&entries); err != nil {
		t.Fatal(err)
	}
	if entries != 1 {
		t.Errorf("outcome entries of pruned runs should cascade, got %d", entries)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "web01:Shop/api"
	entries := []*AuditEntry{
		{Action: "run.started", Actor: "alice"},
		{Action: "task.blocked", Actor: "alice", TargetID: &target},
		{Action: "run.started", Actor: "bob"},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected audit entry ID")
		}
	}

	action := "run.started"
	got, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 run.started entries, got %d", len(got))
	}

	actor := "alice"
	got, err = store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 entries by alice, got %d", len(got))
	}

	got, err = store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(got) != 3 || got[0].Actor != "bob" {
		t.Errorf("expected newest entry first")
	}
}
