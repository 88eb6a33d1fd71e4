// Package store defines the repository interfaces the rest of the system
// depends on, composed the way the database layer composes per-domain
// interfaces into one RepositoryInterface.
package store

import (
	"context"

	"github.com/fastflow/core/internal/downstream"
	"github.com/fastflow/core/internal/model"
)

// PipelineRepository persists Pipeline run-count aggregates.
type PipelineRepository interface {
	GetPipeline(ctx context.Context, name string) (*model.Pipeline, error)
	UpsertPipeline(ctx context.Context, name string) error
	IncrementRunCounters(ctx context.Context, name string, success, webhook bool) error
	SetLastCacheWarmup(ctx context.Context, name string) error
}

// RunRepository persists PipelineRun rows.
type RunRepository interface {
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, exitCode *int, errKind model.ErrorKind, errMsg string, finishedAt *int64) error
	MarkRunning(ctx context.Context, id string, workloadID string) error
	ListRuns(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error)
	CountLiveRuns(ctx context.Context) (int, error)
	CountLiveRunsForPipeline(ctx context.Context, pipeline string) (int, error)
	ListRunsOlderThan(ctx context.Context, pipeline string, keepMostRecent int, olderThanDays int) ([]model.PipelineRun, error)
	DeleteRun(ctx context.Context, id string) error
}

// ScheduledJobRepository persists the scheduler's durable job table.
type ScheduledJobRepository interface {
	ListScheduledJobs(ctx context.Context) ([]model.ScheduledJob, error)
	UpsertScheduledJob(ctx context.Context, job *model.ScheduledJob) error
	DeleteScheduledJob(ctx context.Context, id string) error
	ReplaceMetadataJobs(ctx context.Context, pipeline string, jobs []model.ScheduledJob) error
}

// DownstreamRepository satisfies downstream.Store plus the mutation side.
type DownstreamRepository interface {
	downstream.Store
	UpsertDownstreamTrigger(ctx context.Context, t *model.DownstreamTrigger) error
	DeleteDownstreamTrigger(ctx context.Context, id string) error
}

// SecretRepository persists encrypted secrets and ad-hoc parameters.
type SecretRepository interface {
	GetSecret(ctx context.Context, key string) (*model.Secret, error)
	ListSecrets(ctx context.Context) ([]model.Secret, error)
	PutSecret(ctx context.Context, s *model.Secret) error
	DeleteSecret(ctx context.Context, key string) error
}

// SettingsRepository persists the single OrchestratorSettings row.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (*model.OrchestratorSettings, error)
	UpdateSettings(ctx context.Context, s *model.OrchestratorSettings) error
}

// CellRepository persists per-run, per-cell notebook execution records.
// UpsertCell is called repeatedly as a cell progresses through CELL_START,
// zero or more retries, and CELL_END, each call replacing the prior state
// for that (run, index) pair.
type CellRepository interface {
	UpsertCell(ctx context.Context, rec *model.CellRecord) error
	ListCells(ctx context.Context, runID string) ([]model.CellRecord, error)
}

// RepositoryInterface is the full data-access contract the orchestrator,
// scheduler, cleanup job, and control plane depend on.
type RepositoryInterface interface {
	PipelineRepository
	RunRepository
	ScheduledJobRepository
	DownstreamRepository
	SecretRepository
	SettingsRepository
	CellRepository
	HealthCheck(ctx context.Context) error
	Close() error
}
