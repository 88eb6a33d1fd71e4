package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/objectstore"
)

type fakeStore struct {
	runs     map[string]*model.PipelineRun
	stale    []model.PipelineRun
	kept     []model.PipelineRun
	deleted  []string
	settings *model.OrchestratorSettings
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*model.PipelineRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, nil
}

func (f *fakeStore) ListRunsOlderThan(_ context.Context, _ string, _ int, _ int) ([]model.PipelineRun, error) {
	return f.stale, nil
}

func (f *fakeStore) ListRuns(_ context.Context, _ string, _ int) ([]model.PipelineRun, error) {
	return f.kept, nil
}

func (f *fakeStore) DeleteRun(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) GetSettings(_ context.Context) (*model.OrchestratorSettings, error) {
	return f.settings, nil
}

type fakeDiscoverer struct {
	pipelines []discovery.DiscoveredPipeline
}

func (f *fakeDiscoverer) Discover(bool) ([]discovery.DiscoveredPipeline, error) {
	return f.pipelines, nil
}

type fakeUploader struct {
	uploaded map[string]bool
}

func (f *fakeUploader) UploadAll(_ context.Context, items []objectstore.Item) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if f.uploaded[it.RunID] {
			out[it.RunID] = true
		}
	}
	return out
}

type fakeBackend struct {
	executor.Backend
	live    []executor.LiveWorkload
	cleaned []string
}

func (f *fakeBackend) ListLiveWorkloads(context.Context) ([]executor.LiveWorkload, error) {
	return f.live, nil
}

func (f *fakeBackend) Cleanup(_ context.Context, h executor.Handle) error {
	f.cleaned = append(f.cleaned, h.WorkloadID)
	return nil
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "text")
}

func TestDeleteRunsSkipsUploadsThatFail(t *testing.T) {
	store := &fakeStore{}
	uploader := &fakeUploader{uploaded: map[string]bool{"run-1": true}}
	job := New(store, &fakeDiscoverer{}, &fakeBackend{}, uploader, Defaults{}, testLogger())

	job.deleteRuns(context.Background(), []model.PipelineRun{
		{ID: "run-1"},
		{ID: "run-2"},
	})

	if len(store.deleted) != 1 || store.deleted[0] != "run-1" {
		t.Fatalf("expected only run-1 deleted, got %v", store.deleted)
	}
}

func TestDeleteRunsWithoutUploaderDeletesEverything(t *testing.T) {
	store := &fakeStore{}
	job := New(store, &fakeDiscoverer{}, &fakeBackend{}, nil, Defaults{}, testLogger())

	job.deleteRuns(context.Background(), []model.PipelineRun{{ID: "run-1"}, {ID: "run-2"}})

	if len(store.deleted) != 2 {
		t.Fatalf("expected both runs deleted, got %v", store.deleted)
	}
}

func TestEffectiveRetentionPrefersSettingsOverride(t *testing.T) {
	store := &fakeStore{settings: &model.OrchestratorSettings{LogRetentionRuns: 10}}
	job := New(store, &fakeDiscoverer{}, &fakeBackend{}, nil, Defaults{LogRetentionRuns: 50, LogRetentionDays: 30, LogMaxSizeMB: 100}, testLogger())

	runs, days, size := job.effectiveRetention(context.Background())
	if runs != 10 {
		t.Fatalf("expected override to win, got %d", runs)
	}
	if days != 30 || size != 100 {
		t.Fatalf("expected unset fields to fall back to defaults, got days=%d size=%d", days, size)
	}
}

func TestRemoveOrphanedWorkloadsLeavesRunningRunsAlone(t *testing.T) {
	store := &fakeStore{runs: map[string]*model.PipelineRun{
		"run-live":   {ID: "run-live", Status: model.RunRunning},
		"run-orphan": {ID: "run-orphan", Status: model.RunFailed},
	}}
	backend := &fakeBackend{live: []executor.LiveWorkload{
		{RunID: "run-live", Handle: executor.Handle{WorkloadID: "c-live"}},
		{RunID: "run-orphan", Handle: executor.Handle{WorkloadID: "c-orphan"}},
		{RunID: "run-missing", Handle: executor.Handle{WorkloadID: "c-missing"}},
	}}
	job := New(store, &fakeDiscoverer{}, backend, nil, Defaults{}, testLogger())

	if err := job.removeOrphanedWorkloads(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.cleaned) != 2 {
		t.Fatalf("expected 2 workloads cleaned, got %v", backend.cleaned)
	}
	for _, id := range backend.cleaned {
		if id == "c-live" {
			t.Fatalf("should not have cleaned up the live run's workload")
		}
	}
}

func TestTruncateToSizeKeepsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := truncateToSize(path, 4); err != nil {
		t.Fatalf("truncateToSize: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "6789" {
		t.Fatalf("got %q, want the last 4 bytes", got)
	}
}

func TestTruncateToSizeNoopUnderLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := truncateToSize(path, 1024); err != nil {
		t.Fatalf("truncateToSize: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "short" {
		t.Fatalf("got %q, expected file untouched", got)
	}
}
