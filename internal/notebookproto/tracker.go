package notebookproto

import (
	"context"
	"time"

	"github.com/fastflow/core/internal/model"
)

// Store is the persistence slice the tracker needs; satisfied by
// store.RepositoryInterface.
type Store interface {
	UpsertCell(ctx context.Context, rec *model.CellRecord) error
}

// Tracker folds a run's notebook protocol events into per-cell records and
// persists each update immediately, so a cell's state is never lost to a
// crash mid-run the way an end-of-run-only write would lose it. One Tracker
// is scoped to one run.
type Tracker struct {
	runID string
	store Store
	cells map[int]*model.CellRecord
}

// NewTracker creates a Tracker for one run.
func NewTracker(runID string, store Store) *Tracker {
	return &Tracker{runID: runID, store: store, cells: make(map[int]*model.CellRecord)}
}

// Feed consumes one log line. It returns the line the plain-text run log
// should see: a condensed human-readable line for a recognised protocol
// event, or the original line unchanged if it wasn't one.
func (t *Tracker) Feed(ctx context.Context, ts int64, line string) string {
	ev, ok := Parse(line)
	if !ok {
		return line
	}

	rec := t.cellFor(ev.Index)
	at := time.Unix(ts, 0).UTC()
	switch ev.Kind {
	case EventStart:
		rec.Status = model.CellRunning
		rec.StartedAt = &at
	case EventOutput:
		t.applyOutput(rec, ev)
	case EventEnd:
		t.applyEnd(rec, ev)
		rec.FinishedAt = &at
	}

	if t.store != nil {
		_ = t.store.UpsertCell(ctx, rec) // best-effort: a dropped update is overwritten by the next one for this cell
	}

	if condensed := CondensedLine(ev); condensed != "" {
		return condensed
	}
	return line
}

func (t *Tracker) cellFor(index int) *model.CellRecord {
	rec, ok := t.cells[index]
	if !ok {
		rec = &model.CellRecord{RunID: t.runID, Index: index, Status: model.CellRunning}
		t.cells[index] = rec
	}
	return rec
}

func (t *Tracker) applyOutput(rec *model.CellRecord, ev Event) {
	text, err := DecodePayload(ev)
	if err != nil {
		text = ev.Payload
	}
	switch ev.Stream {
	case "stdout":
		rec.Stdout += text + "\n"
	case "stderr":
		rec.Stderr += text + "\n"
	case "image":
		rec.Images = append(rec.Images, model.CellImage{MimeType: ev.Encoding, Payload: ev.Payload})
	}
}

func (t *Tracker) applyEnd(rec *model.CellRecord, ev Event) {
	switch ev.Status {
	case EndSuccess:
		rec.Status = model.CellSuccess
		rec.ErrorMessage = ""
	case EndFailed:
		rec.Status = model.CellFailed
		rec.ErrorMessage = ev.Err
	case EndRetrying:
		rec.Status = model.CellRetrying
		rec.Attempt = ev.Attempt
		rec.ErrorMessage = ev.Err
	}
}

// Cells returns a snapshot of every cell record seen so far, ordered by
// index.
func (t *Tracker) Cells() []model.CellRecord {
	out := make([]model.CellRecord, 0, len(t.cells))
	for _, rec := range t.cells {
		out = append(out, *rec)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Index < out[i].Index {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
