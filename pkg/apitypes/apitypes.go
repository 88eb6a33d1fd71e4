// Package apitypes defines the JSON wire shapes the (out-of-scope) HTTP
// layer exchanges with internal/control. These are deliberately distinct
// from the internal/model domain types: a field rename or tag change here
// never forces a migration, and a migration never forces a wire break.
package apitypes

import "time"

// RunView is the JSON projection of a model.PipelineRun.
type RunView struct {
	ID            string            `json:"id"`
	PipelineName  string            `json:"pipeline_name"`
	Status        string            `json:"status"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	TriggeredBy   string            `json:"triggered_by"`
	RunConfigID   *string           `json:"run_config_id,omitempty"`
	RetryCount    int               `json:"retry_count"`
	PreviousRunID *string           `json:"previous_run_id,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// SubmitRunRequest is the body of a run submission.
type SubmitRunRequest struct {
	PipelineName string            `json:"pipeline_name"`
	Env          map[string]string `json:"env,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	TriggeredBy  string            `json:"triggered_by"`
	RunConfigID  *string           `json:"run_config_id,omitempty"`
}

// HealthCheckResponse is the response shape for a run health check.
type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// ScheduledJobView is the JSON projection of a model.ScheduledJob.
type ScheduledJobView struct {
	ID           string     `json:"id"`
	PipelineName string     `json:"pipeline_name"`
	TriggerType  string     `json:"trigger_type"`
	TriggerValue string     `json:"trigger_value"`
	Enabled      bool       `json:"enabled"`
	Source       string     `json:"source"`
	WindowStart  *time.Time `json:"window_start,omitempty"`
	WindowEnd    *time.Time `json:"window_end,omitempty"`
	RunConfigID  *string    `json:"run_config_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DownstreamTriggerView is the JSON projection of a model.DownstreamTrigger.
type DownstreamTriggerView struct {
	ID                 string  `json:"id"`
	UpstreamPipeline   string  `json:"upstream_pipeline"`
	DownstreamPipeline string  `json:"downstream_pipeline"`
	OnSuccess          bool    `json:"on_success"`
	OnFailure          bool    `json:"on_failure"`
	Enabled            bool    `json:"enabled"`
	RunConfigID        *string `json:"run_config_id,omitempty"`
}

// SecretView is the JSON projection of a model.Secret. Value is never
// populated on read — only on write, and only to accept a new plaintext
// value for encryption.
type SecretView struct {
	Key         string    `json:"key"`
	Value       string    `json:"value,omitempty"`
	IsParameter bool      `json:"is_parameter"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// OrchestratorSettingsView is the JSON projection of the singleton
// model.OrchestratorSettings row. GitSyncToken is write-only: accepted on
// update, never echoed back on read.
type OrchestratorSettingsView struct {
	LogRetentionRuns       int       `json:"log_retention_runs"`
	LogRetentionDays       int       `json:"log_retention_days"`
	LogMaxSizeMB           int64     `json:"log_max_size_mb"`
	GlobalConcurrencyLimit int       `json:"global_concurrency_limit"`
	NotificationWebhookURL *string   `json:"notification_webhook_url,omitempty"`
	GitSyncRepoURL         *string   `json:"git_sync_repo_url,omitempty"`
	GitSyncToken           string    `json:"git_sync_token,omitempty"`
	DependencyAuditCron    *string   `json:"dependency_audit_cron,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// ErrorResponse is the standard JSON error envelope. Kind is one of the
// internal error kinds (NotFound, Disabled, ConcurrencyLimit, ...), letting
// the HTTP layer map it to a status code without string-matching Message.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
