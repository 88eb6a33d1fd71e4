// Package control is the thin contract a front door talks to: it owns no
// transport of its own, only the operations spec'd for one — submit and
// cancel a run, health-check a run, drain its log/metric queues for
// streaming, CRUD the four operator-facing tables, and kick a full
// git-sync-plus-reconcile cycle. Translating these into HTTP, gRPC, or a
// CLI is somebody else's package.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/gitsync"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/orchestrator"
	"github.com/fastflow/core/internal/scheduler"
	"github.com/fastflow/core/internal/secretsvault"
	"github.com/fastflow/core/internal/store"
)

// ErrRunNotTracked names the case of a run ID that names no currently live
// run (finished, never existed, or the process restarted since it ran).
// HealthCheckRun, DrainLogs and DrainMetrics report that case through their
// ok result; none of them returns this error.
var ErrRunNotTracked = errors.New("control: run not live")

// Service wires the orchestrator, scheduler, discovery, git sync and the
// relational store behind the one set of operations an external caller is
// allowed to reach.
type Service struct {
	orch   *orchestrator.Orchestrator
	sched  *scheduler.Scheduler
	disc   *discovery.Discovery
	sync   *gitsync.Syncer
	vault  *secretsvault.Vault
	store  store.RepositoryInterface
	logger *logging.Logger
}

// New builds a Service. sync may be nil when no git remote is configured.
func New(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, disc *discovery.Discovery, sync *gitsync.Syncer, vault *secretsvault.Vault, repo store.RepositoryInterface, logger *logging.Logger) *Service {
	return &Service{orch: orch, sched: sched, disc: disc, sync: sync, vault: vault, store: repo, logger: logger}
}

// SubmitRun starts a new run of the named pipeline. opts.RetryCount and
// opts.PreviousRunID are left zero for a fresh, externally triggered
// submission; the retry engine sets them itself when resubmitting.
func (s *Service) SubmitRun(ctx context.Context, name string, triggeredBy model.TriggeredBy, runConfigID *string, env, parameters map[string]string) (*model.PipelineRun, error) {
	return s.orch.Submit(ctx, name, orchestrator.SubmitOptions{
		TriggeredBy:     triggeredBy,
		RunConfigID:     runConfigID,
		AdHocEnv:        env,
		AdHocParameters: parameters,
	})
}

// CancelRun requests termination of a live run, giving it graceSeconds to
// exit before the backend escalates to a hard kill.
func (s *Service) CancelRun(ctx context.Context, runID string, graceSeconds int) error {
	return s.orch.CancelRun(ctx, runID, graceSeconds)
}

// HealthCheckRun reports whether runID's workload is still reporting live
// and recently sampled. ok is false when the run isn't currently tracked in
// process memory, in which case the caller should fall back to the run's
// persisted status.
func (s *Service) HealthCheckRun(ctx context.Context, runID string) (healthy bool, reason string, ok bool, err error) {
	return s.orch.HealthCheck(ctx, runID)
}

// DrainLogs returns and clears runID's buffered log lines since the last
// drain. ok is false when the run is not currently live.
func (s *Service) DrainLogs(runID string) (lines []executor.LogLine, ok bool) {
	return s.orch.DrainLogs(runID)
}

// DrainMetrics returns and clears runID's buffered metric samples since the
// last drain. ok is false when the run is not currently live.
func (s *Service) DrainMetrics(runID string) (samples []executor.MetricSample, ok bool) {
	return s.orch.DrainMetrics(runID)
}

// GetRun looks up a single run by ID regardless of whether it is live.
func (s *Service) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns up to limit of a pipeline's most recent runs.
func (s *Service) ListRuns(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error) {
	return s.store.ListRuns(ctx, pipeline, limit)
}

// ListScheduledJobs returns every durable scheduled job.
func (s *Service) ListScheduledJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx)
}

// PutScheduledJob creates or updates a manually declared scheduled job, then
// asks the scheduler to pick up the change immediately rather than waiting
// for the next reconcile triggered elsewhere (the scheduler does not poll).
func (s *Service) PutScheduledJob(ctx context.Context, job *model.ScheduledJob) error {
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		return fmt.Errorf("control: upsert scheduled job: %w", err)
	}
	return s.sched.Reconcile(ctx)
}

// DeleteScheduledJob removes a manually declared scheduled job and
// reconciles the scheduler's in-memory timer set to match.
func (s *Service) DeleteScheduledJob(ctx context.Context, id string) error {
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
		return fmt.Errorf("control: delete scheduled job: %w", err)
	}
	return s.sched.Reconcile(ctx)
}

// ListDownstreamTriggers returns the downstream triggers declared for an
// upstream pipeline.
func (s *Service) ListDownstreamTriggers(ctx context.Context, upstreamPipeline string) ([]model.DownstreamTrigger, error) {
	return s.store.ListDownstreamTriggers(ctx, upstreamPipeline)
}

// PutDownstreamTrigger creates or updates a relational-store-declared
// downstream trigger.
func (s *Service) PutDownstreamTrigger(ctx context.Context, t *model.DownstreamTrigger) error {
	return s.store.UpsertDownstreamTrigger(ctx, t)
}

// DeleteDownstreamTrigger removes a downstream trigger by ID.
func (s *Service) DeleteDownstreamTrigger(ctx context.Context, id string) error {
	return s.store.DeleteDownstreamTrigger(ctx, id)
}

// ListSecretKeys returns every stored secret's metadata, never its value.
func (s *Service) ListSecretKeys(ctx context.Context) ([]model.Secret, error) {
	secrets, err := s.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range secrets {
		secrets[i].Value = ""
	}
	return secrets, nil
}

// PutSecret encrypts (unless isParameter) and stores value under key.
func (s *Service) PutSecret(ctx context.Context, key, value string, isParameter bool) error {
	return s.vault.Put(ctx, key, value, isParameter)
}

// DeleteSecret removes a secret by key.
func (s *Service) DeleteSecret(ctx context.Context, key string) error {
	return s.vault.Delete(ctx, key)
}

// GetSettings returns the singleton orchestrator settings row. The returned
// GitSyncEncryptedToken is left as stored ciphertext; callers must not
// surface it outward.
func (s *Service) GetSettings(ctx context.Context) (*model.OrchestratorSettings, error) {
	return s.store.GetSettings(ctx)
}

// UpdateSettings replaces the singleton orchestrator settings row.
func (s *Service) UpdateSettings(ctx context.Context, settings *model.OrchestratorSettings) error {
	return s.store.UpdateSettings(ctx, settings)
}

// Reconcile runs the full out-of-band refresh cycle an operator triggers
// manually: pull the latest pipeline definitions from git (if a remote is
// configured), force a discovery rescan, then reconcile the scheduler's
// timers against whatever discovery and the scheduled-job table now say.
// Each step runs even if an earlier one fails, and all failures are joined
// so the caller sees the full picture instead of just the first error.
func (s *Service) Reconcile(ctx context.Context) error {
	var errs []error
	if s.sync != nil {
		if err := s.sync.Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("git sync: %w", err))
		}
	}
	if _, err := s.disc.Discover(true); err != nil {
		errs = append(errs, fmt.Errorf("discovery refresh: %w", err))
	}
	if err := s.sched.Reconcile(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler reconcile: %w", err))
	}
	return errors.Join(errs...)
}
