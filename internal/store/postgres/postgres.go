// Package postgres implements store.RepositoryInterface on top of
// PostgreSQL, for multi-node deployments that need the relational store
// reachable from more than one fastflow-core process. Migrations are
// embedded and applied at Open time via goose, the same as the sqlite
// backend; only the dialect, driver and placeholder style differ.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a sqlx-backed RepositoryInterface over PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ store.RepositoryInterface = (*Store)(nil)

// Open connects to the PostgreSQL database named by dsn and applies any
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nowUnix() int64 { return time.Now().Unix() }

// --- PipelineRepository ---

func (s *Store) GetPipeline(ctx context.Context, name string) (*model.Pipeline, error) {
	var row pipelineRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM pipelines WHERE name = $1`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get pipeline: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) UpsertPipeline(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (name, created_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (name) DO NOTHING`, name, nowUnix())
	return err
}

func (s *Store) IncrementRunCounters(ctx context.Context, name string, success, webhook bool) error {
	query := `UPDATE pipelines SET total_runs = total_runs + 1, updated_at = $1`
	if success {
		query += `, successful_runs = successful_runs + 1`
	} else {
		query += `, failed_runs = failed_runs + 1`
	}
	if webhook {
		query += `, webhook_runs = webhook_runs + 1`
	}
	query += ` WHERE name = $2`
	_, err := s.db.ExecContext(ctx, query, nowUnix(), name)
	return err
}

func (s *Store) SetLastCacheWarmup(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipelines SET last_cache_warmup = $1, updated_at = $1 WHERE name = $2`, nowUnix(), name)
	return err
}

// --- RunRepository ---

func (s *Store) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	envJSON, err := json.Marshal(run.Env)
	if err != nil {
		return fmt.Errorf("postgres: marshal env: %w", err)
	}
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("postgres: marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs
		(id, pipeline_name, status, started_at, triggered_by, run_config_id, env_json, parameters_json, retry_count, previous_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.PipelineName, string(run.Status), unixPtr(run.StartedAt),
		string(run.TriggeredBy), run.RunConfigID, string(envJSON), string(paramsJSON),
		run.RetryCount, run.PreviousRunID,
	)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM pipeline_runs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return row.toModel()
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, exitCode *int, errKind model.ErrorKind, errMsg string, finishedAt *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = $1, exit_code = $2, error_kind = $3, error_message = $4, finished_at = $5
		WHERE id = $6`, string(status), exitCode, string(errKind), errMsg, finishedAt, id)
	return err
}

func (s *Store) MarkRunning(ctx context.Context, id string, workloadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_runs SET status = $1, workload_id = $2, started_at = $3 WHERE id = $4`,
		string(model.RunRunning), workloadID, nowUnix(), id)
	return err
}

func (s *Store) ListRuns(ctx context.Context, pipeline string, limit int) ([]model.PipelineRun, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM pipeline_runs WHERE pipeline_name = $1 ORDER BY started_at DESC LIMIT $2`, pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	return rowsToModels(rows)
}

func (s *Store) CountLiveRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pipeline_runs WHERE status IN ($1, $2)`, string(model.RunPending), string(model.RunRunning))
	return n, err
}

func (s *Store) CountLiveRunsForPipeline(ctx context.Context, pipeline string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pipeline_runs WHERE pipeline_name = $1 AND status IN ($2, $3)`,
		pipeline, string(model.RunPending), string(model.RunRunning))
	return n, err
}

func (s *Store) ListRunsOlderThan(ctx context.Context, pipeline string, keepMostRecent int, olderThanDays int) ([]model.PipelineRun, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM pipeline_runs
		WHERE pipeline_name = $1
		  AND (started_at < $2 OR id NOT IN (
		        SELECT id FROM pipeline_runs WHERE pipeline_name = $1 ORDER BY started_at DESC LIMIT $3
		      ))`, pipeline, cutoff, keepMostRecent)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs older than: %w", err)
	}
	return rowsToModels(rows)
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE id = $1`, id)
	return err
}

// --- ScheduledJobRepository ---

func (s *Store) ListScheduledJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	var rows []scheduledJobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM scheduled_jobs WHERE enabled = TRUE`); err != nil {
		return nil, fmt.Errorf("postgres: list scheduled jobs: %w", err)
	}
	out := make([]model.ScheduledJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) UpsertScheduledJob(ctx context.Context, job *model.ScheduledJob) error {
	purpose := job.Purpose
	if purpose == "" {
		purpose = model.PurposeSchedule
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, pipeline_name, trigger_type, trigger_value, enabled, created_at, source, purpose, window_start, window_end, run_config_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		  trigger_value = excluded.trigger_value, enabled = excluded.enabled,
		  window_start = excluded.window_start, window_end = excluded.window_end,
		  run_config_id = excluded.run_config_id`,
		job.ID, job.PipelineName, string(job.TriggerType), job.TriggerValue, job.Enabled,
		job.CreatedAt.Unix(), string(job.Source), string(purpose), unixPtr(job.WindowStart), unixPtr(job.WindowEnd), job.RunConfigID,
	)
	return err
}

func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

// ReplaceMetadataJobs deletes every pipeline_json-sourced job for pipeline
// and inserts jobs in their place, in one transaction: api-sourced jobs for
// the same pipeline are left untouched.
func (s *Store) ReplaceMetadataJobs(ctx context.Context, pipeline string, jobs []model.ScheduledJob) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE pipeline_name = $1 AND source = $2`, pipeline, string(model.SourcePipelineJSON)); err != nil {
		return err
	}
	for _, job := range jobs {
		purpose := job.Purpose
		if purpose == "" {
			purpose = model.PurposeSchedule
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_jobs (id, pipeline_name, trigger_type, trigger_value, enabled, created_at, source, purpose, window_start, window_end, run_config_id)
			VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9, $10)`,
			job.ID, job.PipelineName, string(job.TriggerType), job.TriggerValue, nowUnix(), string(model.SourcePipelineJSON), string(purpose),
			unixPtr(job.WindowStart), unixPtr(job.WindowEnd), job.RunConfigID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- DownstreamRepository ---

func (s *Store) ListDownstreamTriggers(ctx context.Context, upstream string) ([]model.DownstreamTrigger, error) {
	var rows []downstreamRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM downstream_triggers WHERE upstream_pipeline = $1`, upstream); err != nil {
		return nil, fmt.Errorf("postgres: list downstream triggers: %w", err)
	}
	out := make([]model.DownstreamTrigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) UpsertDownstreamTrigger(ctx context.Context, t *model.DownstreamTrigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downstream_triggers (id, upstream_pipeline, downstream_pipeline, on_success, on_failure, enabled, run_config_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		  on_success = excluded.on_success, on_failure = excluded.on_failure,
		  enabled = excluded.enabled, run_config_id = excluded.run_config_id`,
		t.ID, t.UpstreamPipeline, t.DownstreamPipeline, t.OnSuccess, t.OnFailure, t.Enabled, t.RunConfigID,
	)
	return err
}

func (s *Store) DeleteDownstreamTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downstream_triggers WHERE id = $1`, id)
	return err
}

// --- SecretRepository ---

func (s *Store) GetSecret(ctx context.Context, key string) (*model.Secret, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM secrets WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get secret: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

func (s *Store) ListSecrets(ctx context.Context) ([]model.Secret, error) {
	var rows []secretRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM secrets`); err != nil {
		return nil, fmt.Errorf("postgres: list secrets: %w", err)
	}
	out := make([]model.Secret, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) PutSecret(ctx context.Context, secret *model.Secret) error {
	now := nowUnix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (key, value, is_parameter, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, is_parameter = excluded.is_parameter, updated_at = excluded.updated_at`,
		secret.Key, secret.Value, secret.IsParameter, now,
	)
	return err
}

func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = $1`, key)
	return err
}

// --- SettingsRepository ---

func (s *Store) GetSettings(ctx context.Context) (*model.OrchestratorSettings, error) {
	var row settingsRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM orchestrator_settings WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("postgres: get settings: %w", err)
	}
	m := row.toModel()
	return &m, nil
}

func (s *Store) UpdateSettings(ctx context.Context, set *model.OrchestratorSettings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_settings SET
		  log_retention_runs = $1, log_retention_days = $2, log_max_size_mb = $3,
		  global_concurrency_limit = $4, notification_webhook_url = $5,
		  git_sync_repo_url = $6, git_sync_encrypted_token = $7, dependency_audit_cron = $8, updated_at = $9
		WHERE id = 1`,
		set.LogRetentionRuns, set.LogRetentionDays, set.LogMaxSizeMB,
		set.GlobalConcurrencyLimit, set.NotificationWebhookURL,
		set.GitSyncRepoURL, set.GitSyncEncryptedToken, set.DependencyAuditCron, nowUnix(),
	)
	return err
}

// --- CellRepository ---

func (s *Store) UpsertCell(ctx context.Context, rec *model.CellRecord) error {
	imagesJSON, err := json.Marshal(rec.Images)
	if err != nil {
		return fmt.Errorf("postgres: marshal cell images: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notebook_cells
		(run_id, cell_index, status, attempt, error_message, stdout, stderr, images_json, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, cell_index) DO UPDATE SET
		  status = excluded.status, attempt = excluded.attempt, error_message = excluded.error_message,
		  stdout = excluded.stdout, stderr = excluded.stderr, images_json = excluded.images_json,
		  finished_at = excluded.finished_at`,
		rec.RunID, rec.Index, string(rec.Status), rec.Attempt, rec.ErrorMessage,
		rec.Stdout, rec.Stderr, string(imagesJSON), unixPtr(rec.StartedAt), unixPtr(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert cell: %w", err)
	}
	return nil
}

func (s *Store) ListCells(ctx context.Context, runID string) ([]model.CellRecord, error) {
	var rows []cellRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM notebook_cells WHERE run_id = $1 ORDER BY cell_index ASC`, runID); err != nil {
		return nil, fmt.Errorf("postgres: list cells: %w", err)
	}
	out := make([]model.CellRecord, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}
