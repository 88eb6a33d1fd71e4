package control

import (
	"context"
	"testing"
	"time"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/scheduler"
	"github.com/fastflow/core/internal/store"
)

type fakeRepo struct {
	store.RepositoryInterface
	secrets []model.Secret
}

func (f *fakeRepo) ListSecrets(context.Context) ([]model.Secret, error) {
	return f.secrets, nil
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "text")
}

func TestListSecretKeysRedactsValues(t *testing.T) {
	repo := &fakeRepo{secrets: []model.Secret{
		{Key: "api-token", Value: "super-secret-ciphertext", IsParameter: false},
		{Key: "batch-size", Value: "32", IsParameter: true},
	}}
	svc := New(nil, nil, nil, nil, nil, repo, testLogger())

	got, err := svc.ListSecretKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 secrets, got %d", len(got))
	}
	for _, s := range got {
		if s.Value != "" {
			t.Fatalf("expected value redacted for %q, got %q", s.Key, s.Value)
		}
	}
}

type fakeSchedulerStore struct {
	jobs []model.ScheduledJob
}

func (f *fakeSchedulerStore) ListScheduledJobs(context.Context) ([]model.ScheduledJob, error) {
	return f.jobs, nil
}

func (f *fakeSchedulerStore) ReplaceMetadataJobs(context.Context, string, []model.ScheduledJob) error {
	return nil
}

func TestReconcileRunsDiscoveryAndSchedulerWithoutGitSync(t *testing.T) {
	disc := discovery.New(t.TempDir(), time.Minute, testLogger())
	sched := scheduler.New(&fakeSchedulerStore{}, nil, testLogger())
	svc := New(nil, sched, disc, nil, nil, &fakeRepo{}, testLogger())

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
