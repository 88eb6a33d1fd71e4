// Package cleanup runs the scheduled retention pass: trims finished run rows
// and their local log/metrics files down to the configured retention
// window, offering each to the object-storage backup callback first, then
// separately sweeps labelled workloads that have outlived their run row.
package cleanup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/objectstore"
)

// Store is the subset of the repository interface the cleanup job needs.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRunsOlderThan(ctx context.Context, pipeline string, keepMostRecent int, olderThanDays int) ([]model.PipelineRun, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error)
	DeleteRun(ctx context.Context, id string) error
	GetSettings(ctx context.Context) (*model.OrchestratorSettings, error)
}

// Discoverer is the subset of internal/discovery.Discovery the cleanup job
// needs to enumerate every pipeline it should enforce retention for.
type Discoverer interface {
	Discover(forceRefresh bool) ([]discovery.DiscoveredPipeline, error)
}

// Uploader offers a batch of run artifacts for backup before local
// deletion, returning the subset that uploaded cleanly.
// internal/objectstore.Backup satisfies this. A nil Uploader disables the
// callback: every stale run is deleted locally without an upload attempt,
// matching the callback being optional.
type Uploader interface {
	UploadAll(ctx context.Context, items []objectstore.Item) map[string]bool
}

// Defaults are the environment-configured retention values used whenever
// OrchestratorSettings carries no override (a zero field means "unset").
type Defaults struct {
	LogRetentionRuns int
	LogRetentionDays int
	LogMaxSizeMB     int64
}

// Job owns one retention pass across every discovered pipeline plus the
// orphaned-workload sweep.
type Job struct {
	store    Store
	disc     Discoverer
	backend  executor.Backend
	uploader Uploader
	defaults Defaults
	logger   *logging.Logger
}

// New builds a Job. uploader may be nil.
func New(store Store, disc Discoverer, backend executor.Backend, uploader Uploader, defaults Defaults, logger *logging.Logger) *Job {
	return &Job{store: store, disc: disc, backend: backend, uploader: uploader, defaults: defaults, logger: logger}
}

// Run performs one retention pass: per-pipeline run/log trimming, then the
// orphaned-resource sweep. Per-pipeline failures are logged and do not abort
// the remaining pipelines or the resource sweep.
func (j *Job) Run(ctx context.Context) error {
	keepRuns, maxAgeDays, maxSizeMB := j.effectiveRetention(ctx)

	pipelines, err := j.disc.Discover(false)
	if err != nil {
		return fmt.Errorf("cleanup: discover pipelines: %w", err)
	}

	for _, dp := range pipelines {
		if err := j.cleanPipeline(ctx, dp.Name, keepRuns, maxAgeDays, maxSizeMB); err != nil {
			j.logger.WithField("pipeline", dp.Name).WithField("error", err).Warn("cleanup: pipeline retention pass failed")
		}
	}

	if err := j.removeOrphanedWorkloads(ctx); err != nil {
		j.logger.WithField("error", err).Warn("cleanup: orphaned workload sweep failed")
	}
	return nil
}

func (j *Job) effectiveRetention(ctx context.Context) (keepRuns, maxAgeDays int, maxSizeMB int64) {
	keepRuns, maxAgeDays, maxSizeMB = j.defaults.LogRetentionRuns, j.defaults.LogRetentionDays, j.defaults.LogMaxSizeMB
	settings, err := j.store.GetSettings(ctx)
	if err != nil || settings == nil {
		return
	}
	if settings.LogRetentionRuns > 0 {
		keepRuns = settings.LogRetentionRuns
	}
	if settings.LogRetentionDays > 0 {
		maxAgeDays = settings.LogRetentionDays
	}
	if settings.LogMaxSizeMB > 0 {
		maxSizeMB = settings.LogMaxSizeMB
	}
	return
}

// cleanPipeline deletes runs past the retention window (after offering them
// to the backup callback) and truncates the log files of the runs it kept.
func (j *Job) cleanPipeline(ctx context.Context, pipeline string, keepMostRecent, olderThanDays int, maxSizeMB int64) error {
	stale, err := j.store.ListRunsOlderThan(ctx, pipeline, keepMostRecent, olderThanDays)
	if err != nil {
		return fmt.Errorf("list stale runs: %w", err)
	}
	finished := stale[:0]
	for _, run := range stale {
		if run.Status == model.RunPending || run.Status == model.RunRunning {
			continue
		}
		finished = append(finished, run)
	}
	j.deleteRuns(ctx, finished)

	kept, err := j.store.ListRuns(ctx, pipeline, keepMostRecent)
	if err != nil {
		return fmt.Errorf("list retained runs: %w", err)
	}
	for _, run := range kept {
		if run.LogFile == "" || maxSizeMB <= 0 {
			continue
		}
		if err := truncateToSize(run.LogFile, maxSizeMB*1024*1024); err != nil {
			j.logger.WithField("run_id", run.ID).WithField("error", err).Warn("cleanup: failed to truncate log file")
		}
	}
	return nil
}

// deleteRuns removes a batch of stale run rows and their local artifacts.
// When an uploader is configured, a run is only deleted once the callback
// reports it uploaded; otherwise every run in the batch is deleted.
func (j *Job) deleteRuns(ctx context.Context, stale []model.PipelineRun) {
	if len(stale) == 0 {
		return
	}

	deletable := stale
	if j.uploader != nil {
		items := make([]objectstore.Item, 0, len(stale))
		for _, run := range stale {
			items = append(items, objectstore.Item{RunID: run.ID, LogPath: run.LogFile, MetricsPath: run.MetricsFile})
		}
		uploaded := j.uploader.UploadAll(ctx, items)

		deletable = deletable[:0]
		for _, run := range stale {
			if uploaded[run.ID] {
				deletable = append(deletable, run)
			}
		}
	}

	for _, run := range deletable {
		removeLocalFile(run.LogFile)
		removeLocalFile(run.MetricsFile)
		if err := j.store.DeleteRun(ctx, run.ID); err != nil {
			j.logger.WithField("run_id", run.ID).WithField("error", err).Warn("cleanup: failed to delete run row")
		}
	}
}

// removeOrphanedWorkloads deletes labelled workloads with no corresponding
// `running` run in the database.
func (j *Job) removeOrphanedWorkloads(ctx context.Context) error {
	workloads, err := j.backend.ListLiveWorkloads(ctx)
	if err != nil {
		return fmt.Errorf("list live workloads: %w", err)
	}

	for _, w := range workloads {
		run, err := j.store.GetRun(ctx, w.RunID)
		if err == nil && run != nil && run.Status == model.RunRunning {
			continue
		}
		if err := j.backend.Cleanup(ctx, w.Handle); err != nil {
			j.logger.WithField("run_id", w.RunID).WithField("error", err).Warn("cleanup: failed to remove orphaned workload")
		}
	}
	return nil
}

func removeLocalFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// truncateToSize keeps only the last maxBytes of a file, dropping the
// oldest content, the way a rotated log keeps its most recent tail. It is a
// no-op for files at or under the limit or that no longer exist.
func truncateToSize(path string, maxBytes int64) error {
	if maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() <= maxBytes {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	tail := make([]byte, maxBytes)
	if _, err := f.ReadAt(tail, info.Size()-maxBytes); err != nil && err != io.EOF {
		return fmt.Errorf("read tail of %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt(tail, 0); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	return nil
}
