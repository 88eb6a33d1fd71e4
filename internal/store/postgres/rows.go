package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fastflow/core/internal/model"
)

func timePtr(unix *int64) *time.Time {
	if unix == nil {
		return nil
	}
	t := time.Unix(*unix, 0).UTC()
	return &t
}

type pipelineRow struct {
	Name            string `db:"name"`
	TotalRuns       int64  `db:"total_runs"`
	SuccessfulRuns  int64  `db:"successful_runs"`
	FailedRuns      int64  `db:"failed_runs"`
	WebhookRuns     int64  `db:"webhook_runs"`
	LastCacheWarmup *int64 `db:"last_cache_warmup"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r pipelineRow) toModel() *model.Pipeline {
	return &model.Pipeline{
		Name:            r.Name,
		TotalRuns:       r.TotalRuns,
		SuccessfulRuns:  r.SuccessfulRuns,
		FailedRuns:      r.FailedRuns,
		WebhookRuns:     r.WebhookRuns,
		LastCacheWarmup: timePtr(r.LastCacheWarmup),
		CreatedAt:       time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:       time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

type runRow struct {
	ID              string  `db:"id"`
	PipelineName    string  `db:"pipeline_name"`
	Status          string  `db:"status"`
	StartedAt       *int64  `db:"started_at"`
	FinishedAt      *int64  `db:"finished_at"`
	ExitCode        *int    `db:"exit_code"`
	ErrorKind       string  `db:"error_kind"`
	ErrorMessage    string  `db:"error_message"`
	WorkloadID      string  `db:"workload_id"`
	LogFile         string  `db:"log_file"`
	MetricsFile     string  `db:"metrics_file"`
	EnvJSON         string  `db:"env_json"`
	ParametersJSON  string  `db:"parameters_json"`
	TriggeredBy     string  `db:"triggered_by"`
	RunConfigID     *string `db:"run_config_id"`
	UVVersion       string  `db:"uv_version"`
	SetupDurationMs *int64  `db:"setup_duration_ms"`
	RetryCount      int     `db:"retry_count"`
	PreviousRunID   *string `db:"previous_run_id"`
}

func (r runRow) toModel() (*model.PipelineRun, error) {
	var env, params map[string]string
	if err := json.Unmarshal([]byte(r.EnvJSON), &env); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal run env: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ParametersJSON), &params); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal run parameters: %w", err)
	}

	var setupDuration *time.Duration
	if r.SetupDurationMs != nil {
		d := time.Duration(*r.SetupDurationMs) * time.Millisecond
		setupDuration = &d
	}

	return &model.PipelineRun{
		ID:            r.ID,
		PipelineName:  r.PipelineName,
		Status:        model.RunStatus(r.Status),
		StartedAt:     timePtr(r.StartedAt),
		FinishedAt:    timePtr(r.FinishedAt),
		ExitCode:      r.ExitCode,
		ErrorKind:     model.ErrorKind(r.ErrorKind),
		ErrorMessage:  r.ErrorMessage,
		WorkloadID:    r.WorkloadID,
		LogFile:       r.LogFile,
		MetricsFile:   r.MetricsFile,
		Env:           env,
		Parameters:    params,
		TriggeredBy:   model.TriggeredBy(r.TriggeredBy),
		RunConfigID:   r.RunConfigID,
		UVVersion:     r.UVVersion,
		SetupDuration: setupDuration,
		RetryCount:    r.RetryCount,
		PreviousRunID: r.PreviousRunID,
	}, nil
}

func rowsToModels(rows []runRow) ([]model.PipelineRun, error) {
	out := make([]model.PipelineRun, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

type scheduledJobRow struct {
	ID           string  `db:"id"`
	PipelineName string  `db:"pipeline_name"`
	TriggerType  string  `db:"trigger_type"`
	TriggerValue string  `db:"trigger_value"`
	Enabled      bool    `db:"enabled"`
	CreatedAt    int64   `db:"created_at"`
	Source       string  `db:"source"`
	Purpose      string  `db:"purpose"`
	WindowStart  *int64  `db:"window_start"`
	WindowEnd    *int64  `db:"window_end"`
	RunConfigID  *string `db:"run_config_id"`
}

func (r scheduledJobRow) toModel() model.ScheduledJob {
	return model.ScheduledJob{
		ID:           r.ID,
		PipelineName: r.PipelineName,
		TriggerType:  model.ScheduledJobTriggerType(r.TriggerType),
		TriggerValue: r.TriggerValue,
		Enabled:      r.Enabled,
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
		Source:       model.ScheduledJobSource(r.Source),
		Purpose:      model.ScheduledJobPurpose(r.Purpose),
		WindowStart:  timePtr(r.WindowStart),
		WindowEnd:    timePtr(r.WindowEnd),
		RunConfigID:  r.RunConfigID,
	}
}

type downstreamRow struct {
	ID                 string  `db:"id"`
	UpstreamPipeline   string  `db:"upstream_pipeline"`
	DownstreamPipeline string  `db:"downstream_pipeline"`
	OnSuccess          bool    `db:"on_success"`
	OnFailure          bool    `db:"on_failure"`
	Enabled            bool    `db:"enabled"`
	RunConfigID        *string `db:"run_config_id"`
}

func (r downstreamRow) toModel() model.DownstreamTrigger {
	return model.DownstreamTrigger{
		ID:                 r.ID,
		UpstreamPipeline:   r.UpstreamPipeline,
		DownstreamPipeline: r.DownstreamPipeline,
		OnSuccess:          r.OnSuccess,
		OnFailure:          r.OnFailure,
		Enabled:            r.Enabled,
		RunConfigID:        r.RunConfigID,
	}
}

type secretRow struct {
	Key         string `db:"key"`
	Value       string `db:"value"`
	IsParameter bool   `db:"is_parameter"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r secretRow) toModel() model.Secret {
	return model.Secret{
		Key:         r.Key,
		Value:       r.Value,
		IsParameter: r.IsParameter,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

type cellRow struct {
	RunID        string `db:"run_id"`
	CellIndex    int    `db:"cell_index"`
	Status       string `db:"status"`
	Attempt      int    `db:"attempt"`
	ErrorMessage string `db:"error_message"`
	Stdout       string `db:"stdout"`
	Stderr       string `db:"stderr"`
	ImagesJSON   string `db:"images_json"`
	StartedAt    *int64 `db:"started_at"`
	FinishedAt   *int64 `db:"finished_at"`
}

func (r cellRow) toModel() (*model.CellRecord, error) {
	var images []model.CellImage
	if err := json.Unmarshal([]byte(r.ImagesJSON), &images); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal cell images: %w", err)
	}
	return &model.CellRecord{
		RunID:        r.RunID,
		Index:        r.CellIndex,
		Status:       model.CellStatus(r.Status),
		Attempt:      r.Attempt,
		ErrorMessage: r.ErrorMessage,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		Images:       images,
		StartedAt:    timePtr(r.StartedAt),
		FinishedAt:   timePtr(r.FinishedAt),
	}, nil
}

type settingsRow struct {
	ID                     int     `db:"id"`
	LogRetentionRuns       int     `db:"log_retention_runs"`
	LogRetentionDays       int     `db:"log_retention_days"`
	LogMaxSizeMB           int64   `db:"log_max_size_mb"`
	GlobalConcurrencyLimit int     `db:"global_concurrency_limit"`
	NotificationWebhookURL *string `db:"notification_webhook_url"`
	GitSyncRepoURL         *string `db:"git_sync_repo_url"`
	GitSyncEncryptedToken  *string `db:"git_sync_encrypted_token"`
	DependencyAuditCron    *string `db:"dependency_audit_cron"`
	UpdatedAt              int64   `db:"updated_at"`
}

func (r settingsRow) toModel() model.OrchestratorSettings {
	return model.OrchestratorSettings{
		ID:                     r.ID,
		LogRetentionRuns:       r.LogRetentionRuns,
		LogRetentionDays:       r.LogRetentionDays,
		LogMaxSizeMB:           r.LogMaxSizeMB,
		GlobalConcurrencyLimit: r.GlobalConcurrencyLimit,
		NotificationWebhookURL: r.NotificationWebhookURL,
		GitSyncRepoURL:         r.GitSyncRepoURL,
		GitSyncEncryptedToken:  r.GitSyncEncryptedToken,
		DependencyAuditCron:    r.DependencyAuditCron,
		UpdatedAt:              time.Unix(r.UpdatedAt, 0).UTC(),
	}
}
