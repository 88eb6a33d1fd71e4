package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs []model.ScheduledJob
}

func (f *fakeStore) ListScheduledJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ScheduledJob, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func (f *fakeStore) ReplaceMetadataJobs(ctx context.Context, pipeline string, jobs []model.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.jobs[:0]
	for _, j := range f.jobs {
		if j.PipelineName == pipeline && j.Source == model.SourcePipelineJSON {
			continue
		}
		kept = append(kept, j)
	}
	f.jobs = append(kept, jobs...)
	return nil
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "text")
}

func TestReconcileRegistersEnabledJobs(t *testing.T) {
	store := &fakeStore{jobs: []model.ScheduledJob{
		{ID: "a", PipelineName: "p", TriggerType: model.TriggerCron, TriggerValue: "0 * * * *", Enabled: true},
		{ID: "b", PipelineName: "q", TriggerType: model.TriggerInterval, TriggerValue: "60", Enabled: false},
	}}
	s := New(store, DispatcherFunc(func(context.Context, string, model.TriggeredBy, *string) error { return nil }), testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if len(s.entries) != 1 {
		t.Fatalf("expected only the enabled job registered, got %d entries", len(s.entries))
	}
	if _, ok := s.entries["a"]; !ok {
		t.Fatalf("expected job a registered")
	}
}

func TestReconcileRemovesDisabledJob(t *testing.T) {
	store := &fakeStore{jobs: []model.ScheduledJob{
		{ID: "a", PipelineName: "p", TriggerType: model.TriggerCron, TriggerValue: "0 * * * *", Enabled: true},
	}}
	s := New(store, DispatcherFunc(func(context.Context, string, model.TriggeredBy, *string) error { return nil }), testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	store.mu.Lock()
	store.jobs[0].Enabled = false
	store.mu.Unlock()

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(s.entries) != 0 {
		t.Fatalf("expected disabled job removed, got %d entries", len(s.entries))
	}
}

func TestFireDropsOverlappingInvocation(t *testing.T) {
	var calls int
	var mu sync.Mutex
	release := make(chan struct{})
	dispatcher := DispatcherFunc(func(ctx context.Context, name string, triggeredBy model.TriggeredBy, runConfigID *string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	})
	s := New(&fakeStore{}, dispatcher, testLogger())

	job := model.ScheduledJob{ID: "x", PipelineName: "p"}
	go s.fire(job)
	time.Sleep(50 * time.Millisecond) // let the first fire acquire inFlight
	s.fire(job)                       // should drop immediately, not block

	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one dispatched call, got %d", calls)
	}
}

func TestCronSpecInterval(t *testing.T) {
	spec, err := cronSpec(model.ScheduledJob{TriggerType: model.TriggerInterval, TriggerValue: "30"})
	if err != nil {
		t.Fatalf("cronSpec: %v", err)
	}
	if spec != "@every 30s" {
		t.Fatalf("got %q", spec)
	}
}

func TestBuildMetadataJobsCoversAllScheduleFields(t *testing.T) {
	cron := "0 2 * * *"
	interval := 120
	meta := model.PipelineMetadata{
		ScheduleCron:            &cron,
		ScheduleIntervalSeconds: &interval,
		RestartOnCrash:          true,
	}
	restartSpec := "300"
	meta.RestartInterval = &restartSpec

	jobs := BuildMetadataJobs("p", meta)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d: %+v", len(jobs), jobs)
	}
	for _, j := range jobs {
		if j.Source != model.SourcePipelineJSON {
			t.Fatalf("expected pipeline_json source, got %+v", j)
		}
	}
}
