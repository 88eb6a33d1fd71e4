package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fastflow/core/internal/model"
)

// BuildMetadataJobs translates a pipeline's metadata-declared schedule
// fields into the ScheduledJob rows the relational store expects, so a
// fresh discovery scan can fully replace what metadata previously declared
// without touching jobs registered through the API.
func BuildMetadataJobs(pipelineName string, meta model.PipelineMetadata) []model.ScheduledJob {
	var jobs []model.ScheduledJob

	if meta.ScheduleCron != nil && *meta.ScheduleCron != "" {
		jobs = append(jobs, model.ScheduledJob{
			ID:           uuid.NewString(),
			PipelineName: pipelineName,
			TriggerType:  model.TriggerCron,
			TriggerValue: *meta.ScheduleCron,
			Enabled:      true,
			Source:       model.SourcePipelineJSON,
			Purpose:      model.PurposeSchedule,
			WindowStart:  meta.ScheduleStart,
			WindowEnd:    meta.ScheduleEnd,
		})
	}
	if meta.ScheduleIntervalSeconds != nil && *meta.ScheduleIntervalSeconds > 0 {
		jobs = append(jobs, model.ScheduledJob{
			ID:           uuid.NewString(),
			PipelineName: pipelineName,
			TriggerType:  model.TriggerInterval,
			TriggerValue: fmt.Sprintf("%d", *meta.ScheduleIntervalSeconds),
			Enabled:      true,
			Source:       model.SourcePipelineJSON,
			Purpose:      model.PurposeSchedule,
			WindowStart:  meta.ScheduleStart,
			WindowEnd:    meta.ScheduleEnd,
		})
	}
	if meta.RunOnceAt != nil {
		jobs = append(jobs, model.ScheduledJob{
			ID:           uuid.NewString(),
			PipelineName: pipelineName,
			TriggerType:  model.TriggerCron,
			TriggerValue: onceCronSpec(*meta.RunOnceAt),
			Enabled:      true,
			Source:       model.SourcePipelineJSON,
			Purpose:      model.PurposeSchedule,
			WindowEnd:    meta.RunOnceAt, // Reconcile leaves the job unregistered once this window has passed
		})
	}
	if meta.RestartOnCrash && meta.RestartInterval != nil && *meta.RestartInterval != "" {
		jobs = append(jobs, model.ScheduledJob{
			ID:           uuid.NewString(),
			PipelineName: pipelineName,
			TriggerType:  restartIntervalTriggerType(*meta.RestartInterval),
			TriggerValue: *meta.RestartInterval,
			Enabled:      true,
			Source:       model.SourcePipelineJSON,
			Purpose:      model.PurposeRestartInterval,
		})
	}
	return jobs
}

// onceCronSpec renders a one-shot timestamp as the 5-field cron expression
// matching that exact minute; cron itself has no native "run once"
// primitive, so the caller pairs this with a WindowEnd at the same instant
// to make Reconcile drop the job once it has fired.
func onceCronSpec(at time.Time) string {
	return fmt.Sprintf("%d %d %d %d *", at.Minute(), at.Hour(), at.Day(), int(at.Month()))
}

// restartIntervalTriggerType classifies a daemon's restart_interval string:
// plain integer seconds, or a 5-field cron expression.
func restartIntervalTriggerType(spec string) model.ScheduledJobTriggerType {
	if _, err := strconv.Atoi(strings.TrimSpace(spec)); err == nil {
		return model.TriggerInterval
	}
	return model.TriggerCron
}

// SyncMetadataJobs replaces every pipeline_json-sourced job for pipelineName
// with the set newly derived from meta, leaving api-sourced jobs untouched,
// then reconciles the live cron engine.
func (s *Scheduler) SyncMetadataJobs(ctx context.Context, pipelineName string, meta model.PipelineMetadata) error {
	jobs := BuildMetadataJobs(pipelineName, meta)
	if err := s.store.ReplaceMetadataJobs(ctx, pipelineName, jobs); err != nil {
		return fmt.Errorf("scheduler: replace metadata jobs for %q: %w", pipelineName, err)
	}
	return s.Reconcile(ctx)
}
