package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fastflow/core/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "fastflow.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, context.Background()
}

func TestCreateAndGetRun(t *testing.T) {
	s, ctx := newTestStore(t)

	run := &model.PipelineRun{
		ID:           "run-1",
		PipelineName: "demo",
		Status:       model.RunPending,
		TriggeredBy:  model.TriggeredManual,
		Env:          map[string]string{"FOO": "bar"},
		Parameters:   map[string]string{"n": "10"},
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil || got.PipelineName != "demo" || got.Env["FOO"] != "bar" {
		t.Fatalf("unexpected run: %+v", got)
	}

	missing, err := s.GetRun(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing run, got %+v", missing)
	}
}

func TestUpdateRunStatusAndCounters(t *testing.T) {
	s, ctx := newTestStore(t)

	run := &model.PipelineRun{ID: "run-2", PipelineName: "demo", Status: model.RunPending, TriggeredBy: model.TriggeredManual}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.UpsertPipeline(ctx, "demo"); err != nil {
		t.Fatalf("upsert pipeline: %v", err)
	}

	finishedAt := int64(1700000000)
	if err := s.UpdateRunStatus(ctx, "run-2", model.RunSuccess, intPtr(0), model.ErrorNone, "", &finishedAt); err != nil {
		t.Fatalf("update run status: %v", err)
	}
	if err := s.IncrementRunCounters(ctx, "demo", true, false); err != nil {
		t.Fatalf("increment counters: %v", err)
	}

	pipeline, err := s.GetPipeline(ctx, "demo")
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if pipeline.TotalRuns != 1 || pipeline.SuccessfulRuns != 1 {
		t.Fatalf("unexpected counters: %+v", pipeline)
	}

	got, err := s.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != model.RunSuccess || got.FinishedAt == nil {
		t.Fatalf("unexpected run after update: %+v", got)
	}
}

func TestScheduledJobUpsertAndReconcileList(t *testing.T) {
	s, ctx := newTestStore(t)

	job := &model.ScheduledJob{
		ID: "job-1", PipelineName: "demo", TriggerType: model.TriggerCron,
		TriggerValue: "0 * * * *", Enabled: true, Source: model.SourceAPI,
	}
	if err := s.UpsertScheduledJob(ctx, job); err != nil {
		t.Fatalf("upsert scheduled job: %v", err)
	}

	jobs, err := s.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("list scheduled jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected scheduled jobs: %+v", jobs)
	}

	if err := s.DeleteScheduledJob(ctx, "job-1"); err != nil {
		t.Fatalf("delete scheduled job: %v", err)
	}
	jobs, err = s.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("list scheduled jobs after delete: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no scheduled jobs, got %+v", jobs)
	}
}

func TestSecretPutGetDelete(t *testing.T) {
	s, ctx := newTestStore(t)

	if err := s.PutSecret(ctx, &model.Secret{Key: "api-key", Value: "ciphertext"}); err != nil {
		t.Fatalf("put secret: %v", err)
	}
	got, err := s.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || got.Value != "ciphertext" {
		t.Fatalf("unexpected secret: %+v", got)
	}

	if err := s.DeleteSecret(ctx, "api-key"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, err = s.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("get secret after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected secret deleted, got %+v", got)
	}
}

func TestSettingsSingletonRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)

	settings, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	settings.LogRetentionRuns = 99
	if err := s.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings after update: %v", err)
	}
	if got.LogRetentionRuns != 99 {
		t.Fatalf("expected LogRetentionRuns=99, got %d", got.LogRetentionRuns)
	}
}

func TestCellUpsertAndList(t *testing.T) {
	s, ctx := newTestStore(t)

	run := &model.PipelineRun{ID: "run-3", PipelineName: "demo", Status: model.RunRunning, TriggeredBy: model.TriggeredManual}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.UpsertCell(ctx, &model.CellRecord{RunID: "run-3", Index: 0, Status: model.CellRunning}); err != nil {
		t.Fatalf("upsert cell: %v", err)
	}
	if err := s.UpsertCell(ctx, &model.CellRecord{RunID: "run-3", Index: 0, Status: model.CellSuccess}); err != nil {
		t.Fatalf("upsert cell again: %v", err)
	}

	cells, err := s.ListCells(ctx, "run-3")
	if err != nil {
		t.Fatalf("list cells: %v", err)
	}
	if len(cells) != 1 || cells[0].Status != model.CellSuccess {
		t.Fatalf("expected single updated cell, got %+v", cells)
	}
}

func intPtr(n int) *int { return &n }
