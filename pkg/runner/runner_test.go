package runner

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/engine"
	"github.com/openfroyo/sitekick/pkg/policy"
	"github.com/openfroyo/sitekick/pkg/stores"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

const testHost = "web01"

// seedAccessor returns an accessor whose host serves site Shop with /legacy
// on its own pool and /api on the Shop pool.
func seedAccessor(t *testing.T) *topology.MemoryAccessor {
	t.Helper()
	reg := topology.NewRegistry(10)
	site := reg.AddSite(&topology.Site{Name: "Shop", Bindings: []topology.Binding{topology.HTTPBinding(80)}})
	site.AddApplication(&topology.Application{Path: "/legacy", ApplicationPoolName: "LegacyPool", PhysicalPath: `C:\sites\legacy`})
	site.AddApplication(&topology.Application{Path: "/api", ApplicationPoolName: "Shop", PhysicalPath: `C:\sites\api`})
	reg.AddApplicationPool(&topology.ApplicationPool{Name: "LegacyPool", RuntimeVersion: topology.RuntimeV4, PipelineMode: topology.PipelineIntegrated})
	reg.AddApplicationPool(&topology.ApplicationPool{Name: "Shop", RuntimeVersion: topology.RuntimeV4, PipelineMode: topology.PipelineIntegrated})

	acc := topology.NewMemoryAccessor()
	acc.Seed(testHost, reg)
	return acc
}

func uninstallTask(id, app string) config.TaskConfig {
	return config.TaskConfig{ID: id, Action: engine.ActionUninstall, Host: testHost, Site: "Shop", Application: app}
}

func installTask(id, app, path string) config.TaskConfig {
	return config.TaskConfig{ID: id, Action: engine.ActionInstall, Host: testHost, Site: "Shop", Application: app, PhysicalPath: path}
}

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return r
}

func messages(r *deployment.Result) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, e := range r.Entries() {
		out = append(out, e.Message)
	}
	return out
}

func TestNewRequiresAccessor(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without accessor")
	}
}

func TestRunExecutesTasksInOrder(t *testing.T) {
	acc := seedAccessor(t)
	r := newTestRunner(t, Options{Accessor: acc})

	file := &config.TaskFile{
		Name: "shop",
		Tasks: []config.TaskConfig{
			uninstallTask("remove_legacy", "legacy"),
			installTask("web", "web", `C:\sites\web`),
		},
	}

	report, err := r.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.RunID == "" {
		t.Error("expected run ID")
	}
	if report.Status != stores.RunStatusCompleted || !report.Successful {
		t.Fatalf("unexpected run outcome:\n%s", report)
	}
	if len(report.Tasks) != 2 || report.Tasks[0].TaskID != "remove_legacy" || report.Tasks[1].TaskID != "web" {
		t.Fatalf("unexpected task order:\n%s", report)
	}

	uninstall := report.Tasks[0]
	if uninstall.Target.Application != "/legacy" || uninstall.Policy != nil || uninstall.Verify == nil {
		t.Errorf("unexpected uninstall report %+v", uninstall)
	}
	want := []string{
		"Virtual Directory 'legacy' was deleted successfully.",
		"Application Pool 'LegacyPool' was deleted successfully.",
		"Site 'Shop' was not deleted.",
	}
	got := messages(uninstall.Execute)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("execute entries = %q, want %q", got, want)
	}

	reg, err := acc.Snapshot(testHost)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	site := reg.Site("Shop")
	if site == nil || site.Application("/legacy") != nil || site.Application("/web") == nil {
		t.Error("host topology does not reflect the run")
	}
	if reg.ApplicationPool("LegacyPool") != nil {
		t.Error("orphaned pool should have been removed")
	}
}

func TestRunPolicyBlocksTask(t *testing.T) {
	acc := seedAccessor(t)
	eng, err := policy.NewEngine(zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	r := newTestRunner(t, Options{Accessor: acc, Policies: eng})

	file := &config.TaskFile{
		Name: "shop",
		Tasks: []config.TaskConfig{
			installTask("relative", "web", `sites\web`),
			uninstallTask("root", ""),
		},
	}

	report, err := r.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != stores.RunStatusFailed || report.Successful {
		t.Errorf("run with a blocked task must fail, got %s", report.Status)
	}

	blocked := report.Tasks[0]
	if blocked.Status != stores.TaskStatusBlocked {
		t.Fatalf("expected blocked task, got %s", blocked.Status)
	}
	if blocked.Verify != nil || blocked.Execute != nil {
		t.Error("blocked task must not be verified or executed")
	}
	if blocked.Policy.Count(deployment.KindFailure) != 1 {
		t.Fatalf("expected one policy failure, got %q", messages(blocked.Policy))
	}
	if msg := messages(blocked.Policy)[0]; !strings.Contains(msg, policy.PolicyPhysicalPath) || !strings.Contains(msg, "is not absolute") {
		t.Errorf("unexpected policy message %q", msg)
	}

	warned := report.Tasks[1]
	if warned.Status != stores.TaskStatusSucceeded {
		t.Fatalf("warning must not block, got %s", warned.Status)
	}
	if warned.Policy.Count(deployment.KindAlert) != 1 || !warned.Policy.Successful() {
		t.Errorf("expected one policy alert, got %q", messages(warned.Policy))
	}

	if acc.Commits(testHost) != 1 {
		t.Errorf("only the allowed task may commit, got %d commits", acc.Commits(testHost))
	}
}

func TestRunStopOnFailure(t *testing.T) {
	acc := seedAccessor(t)
	r := newTestRunner(t, Options{Accessor: acc, StopOnFailure: true})

	file := &config.TaskFile{
		Name: "shop",
		Tasks: []config.TaskConfig{
			installTask("no_path", "web", ""),
			uninstallTask("remove_legacy", "legacy"),
		},
	}

	report, err := r.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Tasks[0].Status != stores.TaskStatusFailed {
		t.Errorf("expected failed task, got %s", report.Tasks[0].Status)
	}
	if report.Tasks[1].Status != stores.TaskStatusSkipped || report.Tasks[1].Execute != nil {
		t.Errorf("expected skipped task, got %s", report.Tasks[1].Status)
	}
	if report.Summary()[stores.TaskStatusSkipped] != 1 {
		t.Errorf("unexpected summary %v", report.Summary())
	}

	reg, _ := acc.Snapshot(testHost)
	if reg.Site("Shop").Application("/legacy") == nil {
		t.Error("skipped task must leave the host untouched")
	}
}

func TestRunDryRun(t *testing.T) {
	acc := seedAccessor(t)
	r := newTestRunner(t, Options{Accessor: acc, DryRun: true})

	file := &config.TaskFile{
		Name:  "shop",
		Tasks: []config.TaskConfig{uninstallTask("remove_legacy", "legacy"), uninstallTask("missing", "missing")},
	}

	report, err := r.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !report.DryRun || !report.Successful {
		t.Errorf("unexpected dry run outcome:\n%s", report)
	}
	for _, task := range report.Tasks {
		if task.Status != stores.TaskStatusSkipped || task.Execute != nil || task.Verify == nil {
			t.Errorf("task %s: dry run must only verify", task.TaskID)
		}
	}
	if got := messages(report.Tasks[1].Verify); len(got) != 2 || got[1] != "Couldn't find application '/missing'" {
		t.Errorf("unexpected verify entries %q", got)
	}
	if acc.Commits(testHost) != 0 {
		t.Errorf("dry run committed %d times", acc.Commits(testHost))
	}
}

func TestRunCancelled(t *testing.T) {
	r := newTestRunner(t, Options{Accessor: seedAccessor(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Run(ctx, &config.TaskFile{Name: "shop", Tasks: []config.TaskConfig{uninstallTask("a", "api")}})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Status != stores.RunStatusCancelled || report.Successful {
		t.Errorf("expected cancelled run, got %s", report.Status)
	}
	if report.Tasks[0].Status != stores.TaskStatusSkipped {
		t.Errorf("expected skipped task, got %s", report.Tasks[0].Status)
	}
}

func TestRunRejectsInvalidTaskFile(t *testing.T) {
	r := newTestRunner(t, Options{Accessor: seedAccessor(t)})

	file := &config.TaskFile{
		Name:   "broken",
		Errors: []config.ValidationError{{Path: "tasks.a.site", Message: "required", Severity: "error"}},
	}
	if _, err := r.Run(context.Background(), file); err == nil {
		t.Fatal("expected error for task file with validation errors")
	}
	if _, err := r.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil task file")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	store, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	r := newTestRunner(t, Options{Accessor: seedAccessor(t), Store: store, Actor: "alice"})
	file := &config.TaskFile{
		Name:        "shop",
		SourceFiles: []string{"shop.cue"},
		Tasks: []config.TaskConfig{
			uninstallTask("remove_legacy", "legacy"),
			installTask("no_path", "web", ""),
		},
	}

	ctx := context.Background()
	report, err := r.Run(ctx, file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	run, err := store.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != stores.RunStatusFailed || run.Successful || run.CompletedAt == nil {
		t.Errorf("unexpected run record %+v", run)
	}
	if run.Sources != `["shop.cue"]` || run.TaskCount != 2 || run.FailedTasks != 1 {
		t.Errorf("unexpected run record %+v", run)
	}
	if run.Error == nil || *run.Error != "1 of 2 tasks failed" {
		t.Errorf("unexpected run error %v", run.Error)
	}

	results, err := store.ListTaskResults(ctx, report.RunID)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 task results, got %d", len(results))
	}
	first := results[0]
	if first.TaskID != "remove_legacy" || first.Status != stores.TaskStatusSucceeded || first.Application != "/legacy" {
		t.Errorf("unexpected task result %+v", first)
	}
	if len(first.Entries) != len(report.Tasks[0].Entries()) {
		t.Errorf("expected %d entries, got %d", len(report.Tasks[0].Entries()), len(first.Entries))
	}
	if first.Entries[0].Phase != stores.PhaseVerify || first.Entries[len(first.Entries)-1].Phase != stores.PhaseExecute {
		t.Errorf("entries must be ordered verify then execute")
	}
	if results[1].Status != stores.TaskStatusFailed || results[1].Successful {
		t.Errorf("unexpected task result %+v", results[1])
	}

	history, err := store.ListTargetHistory(ctx, testHost, "Shop", "/legacy", 5)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 1 || history[0].RunID != report.RunID {
		t.Errorf("unexpected target history")
	}

	actor := "alice"
	audit, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	actions := make(map[string]bool)
	for _, e := range audit {
		actions[e.Action] = true
	}
	if !actions["run.started"] || !actions["run.completed"] {
		t.Errorf("missing audit entries: %v", actions)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	tel := telemetry.Nop()
	tel.Events = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	var (
		mu     sync.Mutex
		events []telemetry.Event
	)
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}, nil)

	r := newTestRunner(t, Options{Accessor: seedAccessor(t), Telemetry: tel})
	file := &config.TaskFile{
		Name:  "shop",
		Tasks: []config.TaskConfig{uninstallTask("a", "legacy"), installTask("b", "web", "")},
	}
	first, err := r.Run(context.Background(), file)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	second, err := r.Run(context.Background(), &config.TaskFile{Name: "again"})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	tests := []struct {
		runID string
		want  []string
	}{
		{first.RunID, []string{
			telemetry.EventTypeRunStarted,
			telemetry.EventTypeTaskCompleted,
			telemetry.EventTypeTaskFailed,
			telemetry.EventTypeRunCompleted,
		}},
		{second.RunID, []string{
			telemetry.EventTypeRunStarted,
			telemetry.EventTypeRunCompleted,
		}},
	}
	for _, tt := range tests {
		filter := telemetry.FilterByRunID(tt.runID)
		var types []string
		for _, e := range events {
			if filter(e) {
				types = append(types, e.Type)
			}
		}
		if strings.Join(types, ",") != strings.Join(tt.want, ",") {
			t.Errorf("events of %s = %v, want %v", tt.runID, types, tt.want)
		}
	}
}

func TestTaskReportResult(t *testing.T) {
	tr := &TaskReport{Policy: deployment.NewResult(), Execute: deployment.NewResult()}
	tr.Policy.AddAlert("policy")
	tr.Execute.AddGood("execute")

	if got := messages(tr.Result()); strings.Join(got, ",") != "policy,execute" {
		t.Errorf("merged entries = %v", got)
	}
	entries := tr.Entries()
	if len(entries) != 2 || entries[0].Phase != stores.PhasePolicy || entries[1].Phase != stores.PhaseExecute {
		t.Errorf("unexpected entries %+v", entries)
	}
}
