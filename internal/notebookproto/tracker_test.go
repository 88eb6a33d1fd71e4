package notebookproto

import (
	"context"
	"testing"

	"github.com/fastflow/core/internal/model"
)

type fakeCellStore struct {
	calls []model.CellRecord
}

func (f *fakeCellStore) UpsertCell(ctx context.Context, rec *model.CellRecord) error {
	f.calls = append(f.calls, *rec)
	return nil
}

func TestTrackerAccumulatesOutputAcrossRetries(t *testing.T) {
	store := &fakeCellStore{}
	tr := NewTracker("run-1", store)

	tr.Feed(context.Background(), 0, "FASTFLOW_CELL_START\t0")
	tr.Feed(context.Background(), 1, "FASTFLOW_CELL_OUTPUT\t0\tstdout\ttext\tfirst attempt")
	tr.Feed(context.Background(), 2, "FASTFLOW_CELL_END\t0\tRETRYING1[boom]")
	tr.Feed(context.Background(), 3, "FASTFLOW_CELL_OUTPUT\t0\tstdout\ttext\tsecond attempt")
	tr.Feed(context.Background(), 4, "FASTFLOW_CELL_END\t0\tSUCCESS")

	cells := tr.Cells()
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	cell := cells[0]
	if cell.Status != model.CellSuccess {
		t.Fatalf("expected final status success, got %v", cell.Status)
	}
	if cell.Stdout != "first attempt\nsecond attempt\n" {
		t.Fatalf("expected accumulated stdout across retries, got %q", cell.Stdout)
	}
	if len(store.calls) != 5 {
		t.Fatalf("expected one persisted upsert per line, got %d", len(store.calls))
	}
}

func TestTrackerReturnsCondensedLineForProtocolEvents(t *testing.T) {
	tr := NewTracker("run-1", nil)
	got := tr.Feed(context.Background(), 0, "FASTFLOW_CELL_END\t1\tFAILED[oops]")
	want := "[Notebook] Cell 1: failed (oops)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTrackerPassesThroughNonProtocolLines(t *testing.T) {
	tr := NewTracker("run-1", nil)
	line := "ordinary user print statement"
	if got := tr.Feed(context.Background(), 0, line); got != line {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
