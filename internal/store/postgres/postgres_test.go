package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/fastflow/core/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

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
}

func TestUpsertAndDeleteSecret(t *testing.T) {
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
