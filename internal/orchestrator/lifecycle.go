package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/downstream"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/metrics"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/notebookproto"
	"github.com/fastflow/core/internal/retryengine"
)

func (o *Orchestrator) registerLive(runID string, lr *liveRun) {
	o.mu.Lock()
	o.live[runID] = lr
	o.mu.Unlock()
	metrics.IncActive()
}

func (o *Orchestrator) unregisterLive(runID string) {
	o.mu.Lock()
	delete(o.live, runID)
	o.mu.Unlock()
	metrics.DecActive()
}

func (o *Orchestrator) isShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuttingDown
}

// DrainLogs returns and clears the buffered log lines for a live run. ok is
// false once the run has finalised and its queue has been removed.
func (o *Orchestrator) DrainLogs(runID string) (lines []executor.LogLine, ok bool) {
	o.mu.Lock()
	lr, present := o.live[runID]
	o.mu.Unlock()
	if !present {
		return nil, false
	}
	return lr.logs.Drain(), true
}

// DrainMetrics returns and clears the buffered metric samples for a live run.
func (o *Orchestrator) DrainMetrics(runID string) (samples []executor.MetricSample, ok bool) {
	o.mu.Lock()
	lr, present := o.live[runID]
	o.mu.Unlock()
	if !present {
		return nil, false
	}
	return lr.metrics.Drain(), true
}

// CancelRun stops a live run's workload with the given grace period. It is a
// no-op if the run is not currently live.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string, graceSeconds int) error {
	o.mu.Lock()
	lr, present := o.live[runID]
	o.mu.Unlock()
	if !present {
		return nil
	}
	return o.backend.Cancel(ctx, lr.handle, graceSeconds)
}

func (o *Orchestrator) execute(ctx context.Context, run *model.PipelineRun, dp *discovery.DiscoveredPipeline, schedule *model.NamedSchedule) {
	log := o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("pipeline", dp.Name)
	started := time.Now()

	ok, msg := o.preheater.Preheat(ctx, dp.Name, dp.Dir, dp.Metadata.PythonVersion)
	if !ok {
		o.finalizeInfraFailure(ctx, run, "preheat: "+msg, time.Since(started))
		return
	}

	lockPath := filepath.Join(dp.Dir, "requirements.txt.lock")
	lockExists := fileExists(lockPath)
	if !lockExists {
		lockPath = ""
	}

	limits := effectiveLimits(dp.Metadata, schedule)
	timeout := effectiveTimeout(dp.Metadata, schedule)

	sub := executor.Submission{
		RunID:        run.ID,
		PipelineName: dp.Name,
		EntryType:    dp.Metadata.Type,
		Command:      buildCommand(dp.Metadata, lockExists),
		Env:          run.Env,
		Limits:       limits,
		Timeout:      timeout,
		PipelineDir:  dp.Dir,
		LockFilePath: lockPath,
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle, err := o.backend.Submit(runCtx, sub)
	if err != nil {
		cancel()
		o.finalizeInfraFailure(ctx, run, "submit: "+err.Error(), time.Since(started))
		return
	}

	lr := &liveRun{
		runID:        run.ID,
		pipelineName: dp.Name,
		handle:       handle,
		logs:         newBoundedQueue[executor.LogLine](o.cfg.LogQueueCapacity),
		metrics:      newBoundedQueue[executor.MetricSample](o.cfg.MetricQueueCapacity),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if dp.Metadata.Type == model.EntryNotebook {
		lr.cellTracker = notebookproto.NewTracker(run.ID, o.store)
	}
	o.registerLive(run.ID, lr)
	defer o.unregisterLive(run.ID)

	if err := o.store.MarkRunning(ctx, run.ID, handle.WorkloadID); err != nil {
		log.WithField("error", err).Warn("orchestrator: failed to persist running status")
	}

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go func() { defer streamWG.Done(); o.drainLogStream(runCtx, lr) }()
	go func() { defer streamWG.Done(); o.drainMetricStream(runCtx, lr) }()

	result, err := o.backend.Wait(runCtx, handle, timeout)
	cancel()
	streamWG.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	if cerr := o.backend.Cleanup(cleanupCtx, handle); cerr != nil {
		log.WithField("error", cerr).Warn("orchestrator: workload cleanup failed")
	}
	cancelCleanup()

	if o.isShuttingDown() {
		o.finalizeInterrupted(context.Background(), run, time.Since(started))
		return
	}
	if err != nil {
		o.finalizeInfraFailure(context.Background(), run, "wait: "+err.Error(), time.Since(started))
		return
	}
	o.finalize(context.Background(), run, result, dp, time.Since(started))
}

func (o *Orchestrator) drainLogStream(ctx context.Context, lr *liveRun) {
	out := make(chan executor.LogLine, 64)
	errCh := make(chan error, 1)
	go func() {
		err := o.backend.StreamLogs(ctx, lr.handle, out)
		close(out)
		errCh <- err
	}()
	for line := range out {
		if lr.cellTracker != nil {
			line.Text = lr.cellTracker.Feed(ctx, line.Timestamp.Unix(), line.Text)
		}
		lr.logs.Push(line)
		lr.lastLogAt.Store(time.Now().UnixNano())
	}
	if err := <-errCh; err != nil && ctx.Err() == nil {
		o.logger.WithField("run_id", lr.runID).WithField("error", err).Warn("orchestrator: log stream ended with error")
	}
}

func (o *Orchestrator) drainMetricStream(ctx context.Context, lr *liveRun) {
	out := make(chan executor.MetricSample, 16)
	errCh := make(chan error, 1)
	go func() {
		err := o.backend.StreamMetrics(ctx, lr.handle, out)
		close(out)
		errCh <- err
	}()
	for sample := range out {
		lr.metrics.Push(sample)
		lr.lastMetricAt.Store(time.Now().UnixNano())
	}
	if err := <-errCh; err != nil && ctx.Err() == nil {
		o.logger.WithField("run_id", lr.runID).WithField("error", err).Warn("orchestrator: metric stream ended with error")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// finalizeInfraFailure records a run that never reached a backend exit code
// (preheat, submit, or wait itself failed) as an infrastructure error.
func (o *Orchestrator) finalizeInfraFailure(ctx context.Context, run *model.PipelineRun, message string, duration time.Duration) {
	finishedAt := time.Now().Unix()
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunFailed, nil, model.ErrorInfrastructure, message, &finishedAt); err != nil {
		o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("error", err).Error("orchestrator: failed to persist infrastructure-failure status")
		return
	}
	if err := o.store.IncrementRunCounters(ctx, run.PipelineName, false, run.TriggeredBy == model.TriggeredWebhook); err != nil {
		o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("error", err).Warn("orchestrator: failed to update pipeline counters")
	}
	metrics.RecordFinished(run.PipelineName, string(model.RunFailed), duration)
}

func (o *Orchestrator) finalizeInterrupted(ctx context.Context, run *model.PipelineRun, duration time.Duration) {
	finishedAt := time.Now().Unix()
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunInterrupted, nil, model.ErrorNone, "interrupted by shutdown", &finishedAt); err != nil {
		o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("error", err).Error("orchestrator: failed to persist interrupted status")
	}
	metrics.RecordFinished(run.PipelineName, string(model.RunInterrupted), duration)
}

// finalize classifies the backend's exit, persists the run, updates
// aggregate counters, then resolves downstream triggers or a retry.
func (o *Orchestrator) finalize(ctx context.Context, run *model.PipelineRun, result executor.WaitResult, dp *discovery.DiscoveredPipeline, duration time.Duration) {
	log := o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("pipeline", run.PipelineName)

	errKind, status := executor.ClassifyExitCode(result.ExitCode, result.OOMKilled)
	exitCode := result.ExitCode
	finishedAt := time.Now().Unix()

	if err := o.store.UpdateRunStatus(ctx, run.ID, status, &exitCode, errKind, "", &finishedAt); err != nil {
		log.WithField("error", err).Error("orchestrator: failed to persist final status; zombie reconciliation will finalise this run later")
		return
	}
	metrics.RecordFinished(run.PipelineName, string(status), duration)

	success := status == model.RunSuccess
	webhook := run.TriggeredBy == model.TriggeredWebhook
	if err := o.store.IncrementRunCounters(ctx, run.PipelineName, success, webhook); err != nil {
		log.WithField("error", err).Warn("orchestrator: failed to update pipeline counters")
	}

	if success {
		o.submitDownstream(ctx, run, dp.Metadata.DownstreamTriggers, true)
		return
	}

	if dp.Metadata.TimeoutSeconds == 0 && dp.Metadata.RestartOnCrash {
		o.evaluateDaemonRestart(ctx, run, dp)
		o.submitDownstream(ctx, run, dp.Metadata.DownstreamTriggers, false)
		return
	}

	if dp.Metadata.Type == model.EntryScript && o.evaluateRetry(ctx, run, dp) {
		return
	}
	o.submitDownstream(ctx, run, dp.Metadata.DownstreamTriggers, false)
}

func (o *Orchestrator) submitDownstream(ctx context.Context, run *model.PipelineRun, triggers []model.DownstreamTriggerSpec, onSuccess bool) {
	resolved, err := downstream.Resolve(ctx, o.store, run.PipelineName, triggers, onSuccess)
	if err != nil {
		o.logger.WithContext(ctx).WithField("pipeline", run.PipelineName).WithField("error", err).Warn("orchestrator: downstream resolution failed")
		return
	}
	for _, r := range resolved {
		var runConfigID *string
		if r.RunConfigID != "" {
			id := r.RunConfigID
			runConfigID = &id
		}
		if _, err := o.Submit(ctx, r.DownstreamPipeline, SubmitOptions{TriggeredBy: model.TriggeredDownstream, RunConfigID: runConfigID}); err != nil {
			o.logger.WithContext(ctx).WithField("downstream_pipeline", r.DownstreamPipeline).WithField("error", err).Warn("orchestrator: downstream submission failed")
		}
	}
}

func scheduleByID(dp *discovery.DiscoveredPipeline, id *string) *model.NamedSchedule {
	if id == nil {
		return nil
	}
	for i := range dp.Metadata.Schedules {
		if dp.Metadata.Schedules[i].ID == *id {
			return &dp.Metadata.Schedules[i]
		}
	}
	return nil
}

// evaluateRetry submits a delayed retry if the failed run has not exhausted
// its retry budget. Only script pipelines retry here; notebook pipelines
// handle retry at the cell level inside the container.
func (o *Orchestrator) evaluateRetry(ctx context.Context, run *model.PipelineRun, dp *discovery.DiscoveredPipeline) bool {
	schedule := scheduleByID(dp, run.RunConfigID)
	maxAttempts := effectiveRetryAttempts(dp.Metadata, schedule)
	attempt := run.RetryCount + 1
	if attempt > maxAttempts {
		return false
	}

	strategy := effectiveRetryStrategy(dp.Metadata, schedule)
	delaySeconds := retryengine.Delay(attempt, strategy, o.cfg.DefaultRetrySeconds)

	previousRunID := run.ID
	opts := SubmitOptions{
		TriggeredBy:     model.RetryTriggeredBy(run.TriggeredBy),
		RunConfigID:     run.RunConfigID,
		AdHocEnv:        nil,
		AdHocParameters: run.Parameters,
		RetryCount:      attempt,
		PreviousRunID:   &previousRunID,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(time.Duration(delaySeconds) * time.Second):
		case <-ctx.Done():
			return
		}
		if _, err := o.Submit(context.Background(), run.PipelineName, opts); err != nil {
			o.logger.WithField("pipeline", run.PipelineName).WithField("error", err).Warn("orchestrator: retry submission failed")
		}
	}()
	return true
}

// evaluateDaemonRestart schedules a delayed resubmission of a crashed daemon
// (timeout 0, restart_on_crash) after its configured cooldown. It re-checks
// at fire time that the pipeline is still enabled and still wants
// crash-restart, since either may have been changed during the cooldown.
func (o *Orchestrator) evaluateDaemonRestart(ctx context.Context, run *model.PipelineRun, dp *discovery.DiscoveredPipeline) {
	pipelineName := run.PipelineName
	cooldown := dp.Metadata.RestartCooldown

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(time.Duration(cooldown) * time.Second):
		case <-ctx.Done():
			return
		}

		fresh, err := o.discovery.Get(pipelineName)
		if err != nil || fresh == nil || !fresh.Metadata.Enabled || !fresh.Metadata.RestartOnCrash {
			return
		}
		if _, err := o.Submit(context.Background(), pipelineName, SubmitOptions{TriggeredBy: model.TriggeredDaemonRestart}); err != nil {
			o.logger.WithField("pipeline", pipelineName).WithField("error", err).Warn("orchestrator: daemon crash-restart submission failed")
		}
	}()
}

// CancelActive stops every live instance of pipelineName with the default
// grace period. A restart_interval scheduled fire calls this to clear out a
// daemon's current instance before resubmitting a fresh one.
func (o *Orchestrator) CancelActive(ctx context.Context, pipelineName string) error {
	o.mu.Lock()
	handles := make([]executor.Handle, 0, len(o.live))
	for _, lr := range o.live {
		if lr.pipelineName == pipelineName {
			handles = append(handles, lr.handle)
		}
	}
	o.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := o.backend.Cancel(ctx, h, defaultGraceSeconds); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops accepting new submissions, stops every live workload with a
// grace period, and marks still-running rows interrupted. It returns once
// every in-flight execute goroutine has exited or ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	live := make([]*liveRun, 0, len(o.live))
	for _, lr := range o.live {
		live = append(live, lr)
	}
	o.mu.Unlock()

	for _, lr := range live {
		if err := o.backend.Cancel(ctx, lr.handle, defaultGraceSeconds); err != nil {
			o.logger.WithField("run_id", lr.runID).WithField("error", err).Warn("orchestrator: cancel during shutdown failed")
		}
		lr.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reattach resumes log/metric streaming and lifecycle handling for a
// workload the zombie reconciler found still live with no matching
// in-process bookkeeping — the orchestrator process restarted while the
// workload kept running. It marks the run `running`, streams it through to
// finalisation exactly like a freshly submitted run minus preheat and
// submission, and returns once that is scheduled; the actual wait/finalise
// happens on a goroutine tracked by the same WaitGroup Shutdown drains.
func (o *Orchestrator) Reattach(run *model.PipelineRun, handle executor.Handle) error {
	dp, err := o.discovery.Get(run.PipelineName)
	if err != nil {
		return fmt.Errorf("orchestrator: reattach %q: discover: %w", run.PipelineName, err)
	}
	if dp == nil {
		return ErrPipelineNotFound
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reattach(context.Background(), run, dp, handle)
	}()
	return nil
}

func (o *Orchestrator) reattach(ctx context.Context, run *model.PipelineRun, dp *discovery.DiscoveredPipeline, handle executor.Handle) {
	log := o.logger.WithContext(ctx).WithField("run_id", run.ID).WithField("pipeline", dp.Name)

	if err := o.store.MarkRunning(ctx, run.ID, handle.WorkloadID); err != nil {
		log.WithField("error", err).Warn("orchestrator: failed to persist running status on reattach")
	}

	runCtx, cancel := context.WithCancel(ctx)
	lr := &liveRun{
		runID:        run.ID,
		pipelineName: dp.Name,
		handle:       handle,
		logs:         newBoundedQueue[executor.LogLine](o.cfg.LogQueueCapacity),
		metrics:      newBoundedQueue[executor.MetricSample](o.cfg.MetricQueueCapacity),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if dp.Metadata.Type == model.EntryNotebook {
		lr.cellTracker = notebookproto.NewTracker(run.ID, o.store)
	}
	o.registerLive(run.ID, lr)
	defer o.unregisterLive(run.ID)

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go func() { defer streamWG.Done(); o.drainLogStream(runCtx, lr) }()
	go func() { defer streamWG.Done(); o.drainMetricStream(runCtx, lr) }()

	timeout := effectiveTimeout(dp.Metadata, scheduleByID(dp, run.RunConfigID))
	result, err := o.backend.Wait(runCtx, handle, timeout)
	cancel()
	streamWG.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	if cerr := o.backend.Cleanup(cleanupCtx, handle); cerr != nil {
		log.WithField("error", cerr).Warn("orchestrator: workload cleanup failed")
	}
	cancelCleanup()

	if o.isShuttingDown() {
		o.finalizeInterrupted(context.Background(), run, runDuration(run))
		return
	}
	if err != nil {
		o.finalizeInfraFailure(context.Background(), run, "wait: "+err.Error(), runDuration(run))
		return
	}
	o.finalize(context.Background(), run, result, dp, runDuration(run))
}

// runDuration reports how long run has been running for metrics purposes,
// using its persisted start time since reattach and orphan finalisation
// don't have the in-process start timestamp execute captures.
func runDuration(run *model.PipelineRun) time.Duration {
	if run.StartedAt == nil {
		return 0
	}
	return time.Since(*run.StartedAt)
}

// FinalizeOrphan finalises a run whose workload has already terminated but
// whose database row is still `running` — the zombie reconciler's
// "workload terminated, DB still running" case. Wait is expected to return
// immediately since the workload is already done; a short timeout guards
// against the reconciler's liveness snapshot having gone stale between the
// enumeration and this call.
func (o *Orchestrator) FinalizeOrphan(ctx context.Context, run *model.PipelineRun, handle executor.Handle) error {
	dp, err := o.discovery.Get(run.PipelineName)
	if err != nil {
		return fmt.Errorf("orchestrator: finalize orphan %q: discover: %w", run.PipelineName, err)
	}
	if dp == nil {
		return ErrPipelineNotFound
	}

	result, err := o.backend.Wait(ctx, handle, 10*time.Second)
	if err != nil {
		o.finalizeInfraFailure(ctx, run, "wait: "+err.Error(), runDuration(run))
	} else {
		o.finalize(ctx, run, result, dp, runDuration(run))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return o.backend.Cleanup(cleanupCtx, handle)
}

// HealthCheck reports whether a live run still looks healthy: the backend
// still reports its workload live, and its most recent log or metric
// sample arrived within twice the expected metric sampling cadence. ok is
// false (with no error) when the run simply isn't live any more, which
// callers should treat as "nothing to report" rather than a fault.
func (o *Orchestrator) HealthCheck(ctx context.Context, runID string) (healthy bool, reason string, ok bool, err error) {
	o.mu.Lock()
	lr, present := o.live[runID]
	o.mu.Unlock()
	if !present {
		return false, "", false, nil
	}

	workloads, err := o.backend.ListLiveWorkloads(ctx)
	if err != nil {
		return false, "", true, fmt.Errorf("orchestrator: health check: list live workloads: %w", err)
	}
	reporting := false
	for _, w := range workloads {
		if w.RunID == runID && w.Running {
			reporting = true
			break
		}
	}
	if !reporting {
		return false, "workload no longer reports live to the backend", true, nil
	}

	if last := lr.lastSampleAt(); !last.IsZero() && time.Since(last) > 2*o.cfg.MetricSampleInterval {
		return false, "no log or metric sample within twice the sampling cadence", true, nil
	}
	return true, "", true, nil
}
