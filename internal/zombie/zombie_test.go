package zombie

import (
	"context"
	"testing"

	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

type fakeStore struct {
	runs map[string]*model.PipelineRun
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*model.PipelineRun, error) {
	return f.runs[id], nil
}

type fakeOrchestrator struct {
	reattached []string
	finalized  []string
}

func (f *fakeOrchestrator) Reattach(run *model.PipelineRun, _ executor.Handle) error {
	f.reattached = append(f.reattached, run.ID)
	return nil
}

func (f *fakeOrchestrator) FinalizeOrphan(_ context.Context, run *model.PipelineRun, _ executor.Handle) error {
	f.finalized = append(f.finalized, run.ID)
	return nil
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

func TestRunRemovesWorkloadWithNoMatchingRow(t *testing.T) {
	backend := &fakeBackend{live: []executor.LiveWorkload{
		{RunID: "ghost", Handle: executor.Handle{WorkloadID: "c-ghost"}, Running: true},
	}}
	store := &fakeStore{runs: map[string]*model.PipelineRun{}}
	orch := &fakeOrchestrator{}
	r := New(store, backend, orch, testLogger())

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.cleaned) != 1 || backend.cleaned[0] != "c-ghost" {
		t.Fatalf("expected the ghost workload removed, got %v", backend.cleaned)
	}
	if len(orch.reattached) != 0 || len(orch.finalized) != 0 {
		t.Fatalf("should not reattach or finalise a run with no DB row")
	}
}

func TestRunReattachesLiveWorkloadWithStaleRow(t *testing.T) {
	backend := &fakeBackend{live: []executor.LiveWorkload{
		{RunID: "run-1", Handle: executor.Handle{WorkloadID: "c-1"}, Running: true},
	}}
	store := &fakeStore{runs: map[string]*model.PipelineRun{
		"run-1": {ID: "run-1", Status: model.RunPending},
	}}
	orch := &fakeOrchestrator{}
	r := New(store, backend, orch, testLogger())

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orch.reattached) != 1 || orch.reattached[0] != "run-1" {
		t.Fatalf("expected run-1 reattached, got %v", orch.reattached)
	}
	if len(backend.cleaned) != 0 || len(orch.finalized) != 0 {
		t.Fatalf("should neither clean up nor finalise a still-live workload")
	}
}

func TestRunFinalizesTerminatedWorkloadWithRunningRow(t *testing.T) {
	backend := &fakeBackend{live: []executor.LiveWorkload{
		{RunID: "run-2", Handle: executor.Handle{WorkloadID: "c-2"}, Running: false},
	}}
	store := &fakeStore{runs: map[string]*model.PipelineRun{
		"run-2": {ID: "run-2", Status: model.RunRunning},
	}}
	orch := &fakeOrchestrator{}
	r := New(store, backend, orch, testLogger())

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orch.finalized) != 1 || orch.finalized[0] != "run-2" {
		t.Fatalf("expected run-2 finalised, got %v", orch.finalized)
	}
	if len(orch.reattached) != 0 || len(backend.cleaned) != 0 {
		t.Fatalf("should neither reattach nor directly clean up a DB-tracked terminated run")
	}
}

func TestRunLeavesConsistentStateAlone(t *testing.T) {
	backend := &fakeBackend{live: []executor.LiveWorkload{
		{RunID: "run-3", Handle: executor.Handle{WorkloadID: "c-3"}, Running: true},
	}}
	store := &fakeStore{runs: map[string]*model.PipelineRun{
		"run-3": {ID: "run-3", Status: model.RunRunning},
	}}
	orch := &fakeOrchestrator{}
	r := New(store, backend, orch, testLogger())

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orch.reattached) != 0 || len(orch.finalized) != 0 || len(backend.cleaned) != 0 {
		t.Fatalf("expected no action for a run whose state already matches its workload")
	}
}
