// Package zombie reconciles the run registry against whatever workloads the
// execution backend actually reports at process startup, so a restart
// never leaves an orphaned container/Job running forever or a run row
// stuck `running` after its workload already finished.
package zombie

import (
	"context"
	"fmt"

	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

// Store is the subset of the repository interface the reconciler needs.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
}

// Orchestrator is the subset of internal/orchestrator.Orchestrator the
// reconciler drives a recovered run through. internal/orchestrator.Orchestrator
// satisfies it.
type Orchestrator interface {
	Reattach(run *model.PipelineRun, handle executor.Handle) error
	FinalizeOrphan(ctx context.Context, run *model.PipelineRun, handle executor.Handle) error
}

// Reconciler walks every labelled workload the backend reports and brings
// the database back in sync with what is actually running.
type Reconciler struct {
	store   Store
	backend executor.Backend
	orch    Orchestrator
	logger  *logging.Logger
}

// New builds a Reconciler.
func New(store Store, backend executor.Backend, orch Orchestrator, logger *logging.Logger) *Reconciler {
	return &Reconciler{store: store, backend: backend, orch: orch, logger: logger}
}

// Run enumerates every labelled workload and reconciles each against the
// run registry:
//   - no matching DB row                       -> remove the workload;
//   - workload live, DB row not `running`       -> reattach (mark running,
//     resume log/metric streaming);
//   - workload terminated, DB row still `running` -> finalise from the
//     workload's exit state and remove it.
//
// One workload's failure is logged and does not stop the rest of the sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	workloads, err := r.backend.ListLiveWorkloads(ctx)
	if err != nil {
		return fmt.Errorf("zombie: list live workloads: %w", err)
	}

	for _, w := range workloads {
		r.reconcileOne(ctx, w)
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, w executor.LiveWorkload) {
	log := r.logger.WithField("run_id", w.RunID)

	run, err := r.store.GetRun(ctx, w.RunID)
	if err != nil {
		log.WithField("error", err).Warn("zombie: failed to look up run; leaving workload alone")
		return
	}
	if run == nil {
		if err := r.backend.Cleanup(ctx, w.Handle); err != nil {
			log.WithField("error", err).Warn("zombie: failed to remove workload with no matching run row")
		}
		return
	}

	switch {
	case w.Running && run.Status != model.RunRunning:
		if err := r.orch.Reattach(run, w.Handle); err != nil {
			log.WithField("error", err).Warn("zombie: failed to reattach live workload")
		}
	case !w.Running && run.Status == model.RunRunning:
		if err := r.orch.FinalizeOrphan(ctx, run, w.Handle); err != nil {
			log.WithField("error", err).Warn("zombie: failed to finalise orphaned run")
		}
	}
}
