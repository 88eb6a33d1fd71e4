package downstream

import (
	"context"
	"testing"

	"github.com/fastflow/core/internal/model"
)

type fakeStore struct {
	rows []model.DownstreamTrigger
}

func (f *fakeStore) ListDownstreamTriggers(ctx context.Context, upstream string) ([]model.DownstreamTrigger, error) {
	return f.rows, nil
}

func TestResolveMergesAndDedupsSorted(t *testing.T) {
	store := &fakeStore{
		rows: []model.DownstreamTrigger{
			{DownstreamPipeline: "C", OnSuccess: true, Enabled: true},
			{DownstreamPipeline: "B", OnSuccess: true, Enabled: true}, // also declared in metadata
			{DownstreamPipeline: "disabled", OnSuccess: true, Enabled: false},
		},
	}
	metadata := []model.DownstreamTriggerSpec{
		{DownstreamPipeline: "B", OnSuccess: true},
		{DownstreamPipeline: "A", OnSuccess: true},
	}

	got, err := Resolve(context.Background(), store, "upstream", metadata, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d: %+v", len(got), len(want), got)
	}
	for i, name := range want {
		if got[i].DownstreamPipeline != name {
			t.Fatalf("position %d: got %s, want %s", i, got[i].DownstreamPipeline, name)
		}
	}
}

func TestResolveOnFailureOnlyIncludesFailureTriggers(t *testing.T) {
	store := &fakeStore{
		rows: []model.DownstreamTrigger{
			{DownstreamPipeline: "only-success", OnSuccess: true, OnFailure: false, Enabled: true},
			{DownstreamPipeline: "only-failure", OnSuccess: false, OnFailure: true, Enabled: true},
		},
	}

	got, err := Resolve(context.Background(), store, "upstream", nil, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].DownstreamPipeline != "only-failure" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestResolveEmptyDownstreamPipelineIgnored(t *testing.T) {
	store := &fakeStore{}
	metadata := []model.DownstreamTriggerSpec{{DownstreamPipeline: "", OnSuccess: true}}

	got, err := Resolve(context.Background(), store, "upstream", metadata, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}
