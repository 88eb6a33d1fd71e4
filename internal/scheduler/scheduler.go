// Package scheduler drives cron and interval-based pipeline submissions off
// a persistent job table, so scheduled jobs survive process restarts. It
// wraps github.com/robfig/cron/v3, the same scheduling library already
// pulled in for dependency-audit cron parsing.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

// Dispatcher submits a pipeline run on a job's behalf. DispatcherFunc lets a
// plain function satisfy it, the same function-adapter idiom the automation
// scheduler's JobDispatcherFunc uses.
type Dispatcher interface {
	Submit(ctx context.Context, pipelineName string, triggeredBy model.TriggeredBy, runConfigID *string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, pipelineName string, triggeredBy model.TriggeredBy, runConfigID *string) error

func (f DispatcherFunc) Submit(ctx context.Context, pipelineName string, triggeredBy model.TriggeredBy, runConfigID *string) error {
	if f == nil {
		return nil
	}
	return f(ctx, pipelineName, triggeredBy, runConfigID)
}

// ActiveCanceller is an optional capability a Dispatcher may implement: a
// restart_interval fire calls CancelActive before resubmitting, so a daemon
// gets a clean handoff rather than two live instances briefly overlapping.
// Dispatchers that don't implement it (e.g. DispatcherFunc in tests) are
// simply skipped.
type ActiveCanceller interface {
	CancelActive(ctx context.Context, pipelineName string) error
}

// Store is the subset of the repository interface the scheduler needs.
type Store interface {
	ListScheduledJobs(ctx context.Context) ([]model.ScheduledJob, error)
	ReplaceMetadataJobs(ctx context.Context, pipeline string, jobs []model.ScheduledJob) error
}

// Scheduler owns one robfig/cron engine and the map from job id to its
// registered entry, so Reconcile can diff the database against what's
// actually scheduled.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	logger     *logging.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	running  bool
	entries  map[string]cron.EntryID
	jobs     map[string]model.ScheduledJob
	inFlight map[string]bool
}

// New builds a Scheduler. It does not start running until Start is called.
func New(store Store, dispatcher Dispatcher, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		entries:    make(map[string]cron.EntryID),
		jobs:       make(map[string]model.ScheduledJob),
		inFlight:   make(map[string]bool),
	}
}

// Start begins the cron engine and performs an initial reconciliation
// against the database.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.cron = cron.New()
	s.cron.Start()
	s.running = true
	s.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.WithField("error", err).Warn("scheduler: initial reconciliation failed")
	}
	s.logger.Info("scheduler started")
	return nil
}

// Stop halts the cron engine, waiting for any in-flight job fire to finish
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Reconcile loads every persisted job and diffs it against the running
// cron engine: missing jobs are added, disabled or deleted jobs are
// removed. Call this after every successful discovery refresh so
// metadata-sourced jobs stay current.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	rows, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]model.ScheduledJob, len(rows))
	for _, row := range rows {
		if row.Enabled && withinWindow(row, time.Now()) {
			wanted[row.ID] = row
		}
	}

	for id := range s.entries {
		if _, stillWanted := wanted[id]; !stillWanted {
			s.cron.Remove(s.entries[id])
			delete(s.entries, id)
			delete(s.jobs, id)
		}
	}

	for id, row := range wanted {
		if existing, ok := s.jobs[id]; ok && existing.TriggerValue == row.TriggerValue && existing.TriggerType == row.TriggerType {
			s.jobs[id] = row // refresh RunConfigID / window in case those changed
			continue
		}
		if entryID, ok := s.entries[id]; ok {
			s.cron.Remove(entryID)
		}
		spec, err := cronSpec(row)
		if err != nil {
			s.logger.WithField("job_id", id).WithField("error", err).Warn("scheduler: invalid trigger value, skipping")
			continue
		}
		job := row
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(job) })
		if err != nil {
			s.logger.WithField("job_id", id).WithField("error", err).Warn("scheduler: failed to register job")
			continue
		}
		s.entries[id] = entryID
		s.jobs[id] = row
	}
	return nil
}

func withinWindow(job model.ScheduledJob, now time.Time) bool {
	if job.WindowStart != nil && now.Before(*job.WindowStart) {
		return false
	}
	if job.WindowEnd != nil && now.After(*job.WindowEnd) {
		return false
	}
	return true
}

func cronSpec(job model.ScheduledJob) (string, error) {
	switch job.TriggerType {
	case model.TriggerCron:
		return job.TriggerValue, nil
	case model.TriggerInterval:
		return fmt.Sprintf("@every %ss", job.TriggerValue), nil
	default:
		return "", fmt.Errorf("unknown trigger type %q", job.TriggerType)
	}
}

// fire dispatches one job, dropping the fire entirely if a previous
// invocation of the same job is still running.
func (s *Scheduler) fire(job model.ScheduledJob) {
	s.mu.Lock()
	if s.inFlight[job.ID] {
		s.mu.Unlock()
		s.logger.WithField("job_id", job.ID).Warn("scheduler: previous fire still running, dropping this one")
		return
	}
	s.inFlight[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	triggeredBy := model.TriggeredScheduler
	if job.Purpose == model.PurposeRestartInterval {
		triggeredBy = model.TriggeredDaemonRestart
		if canceller, ok := s.dispatcher.(ActiveCanceller); ok {
			if err := canceller.CancelActive(ctx, job.PipelineName); err != nil {
				s.logger.WithField("job_id", job.ID).WithField("pipeline", job.PipelineName).WithField("error", err).Warn("scheduler: failed to cancel running daemon instance before restart")
			}
		}
	}

	if err := s.dispatcher.Submit(ctx, job.PipelineName, triggeredBy, job.RunConfigID); err != nil {
		s.logger.WithField("job_id", job.ID).WithField("pipeline", job.PipelineName).WithField("error", err).Warn("scheduler: dispatch failed")
	}
}
