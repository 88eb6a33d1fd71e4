// Package model defines Fast-Flow's core entities: pipelines, runs,
// scheduled jobs, downstream triggers, secrets and the orchestrator settings
// singleton.
package model

import "time"

// Pipeline is the declarative, persisted record for a discovered pipeline.
// Its aggregate counters are only ever changed via atomic conditional
// updates in the store layer, never read-modify-write in application code.
type Pipeline struct {
	Name             string
	TotalRuns        int64
	SuccessfulRuns   int64
	FailedRuns       int64
	WebhookRuns      int64
	LastCacheWarmup  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntryType is the pipeline's execution kind.
type EntryType string

const (
	EntryScript   EntryType = "script"
	EntryNotebook EntryType = "notebook"
)

// RetryStrategyType tags the shape of a RetryStrategy.
type RetryStrategyType string

const (
	RetryFixedDelay         RetryStrategyType = "fixed_delay"
	RetryExponentialBackoff RetryStrategyType = "exponential_backoff"
	RetryCustomSchedule     RetryStrategyType = "custom_schedule"
)

// RetryStrategy is a tagged union over the supported retry delay strategies.
// A nil *RetryStrategy means "use the caller's default_seconds".
type RetryStrategy struct {
	Type RetryStrategyType

	// fixed_delay
	Delay *int

	// exponential_backoff
	InitialDelay *int
	Multiplier   *float64
	MaxDelay     *int

	// custom_schedule
	Delays []int
}

// DownstreamTriggerSpec is a downstream_triggers entry as declared in
// pipeline metadata (as opposed to a row in the relational store, see
// DownstreamTrigger below).
type DownstreamTriggerSpec struct {
	DownstreamPipeline string
	OnSuccess          bool
	OnFailure          bool
	RunConfigID        string // optional, references a named schedule
}

// NamedSchedule is a per-schedule override of resource limits, timeout,
// retry policy and env, layered over the pipeline's own defaults.
type NamedSchedule struct {
	ID              string
	CPUHardLimit    *float64
	CPUSoftLimit    *float64
	MemHardLimit    *string
	MemSoftLimit    *string
	TimeoutSeconds  *int
	RetryAttempts   *int
	RetryStrategy   *RetryStrategy
	DefaultEnv      map[string]string
	EncryptedEnv    map[string]string
}

// CellDefaults carries the per-cell retry defaults for notebook pipelines.
type CellDefaults struct {
	Retries      int
	DelaySeconds int
}

// PipelineMetadata is the normalised, in-memory representation of a
// pipeline's pipeline.json. It is loaded from disk, never persisted to the
// relational store.
type PipelineMetadata struct {
	Name string

	Type           EntryType
	PythonVersion  string
	Enabled        bool
	CPUHardLimit   float64 // cores
	MemHardLimit   string  // "<n>m" | "<n>g"
	CPUSoftLimit   *float64
	MemSoftLimit   *string
	TimeoutSeconds int // 0 => unbounded (daemon)

	RetryAttempts int
	RetryStrategy *RetryStrategy

	DefaultEnv   map[string]string
	EncryptedEnv map[string]string

	WebhookKey *string // nil/empty => disabled

	Tags        []string
	Description *string

	ScheduleCron            *string
	ScheduleIntervalSeconds *int
	RunOnceAt               *time.Time
	ScheduleStart           *time.Time
	ScheduleEnd             *time.Time

	RestartOnCrash    bool
	RestartCooldown   int // seconds
	RestartInterval   *string // cron or seconds, as a string the scheduler parses

	MaxInstances *int

	DownstreamTriggers []DownstreamTriggerSpec

	Schedules []NamedSchedule

	Cells []CellDefaults
}

// RunStatus is a tagged union over a PipelineRun's lifecycle states.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
	RunWarning     RunStatus = "warning"
)

// IsTerminal reports whether status is a terminal run state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunInterrupted, RunWarning:
		return true
	default:
		return false
	}
}

// TriggeredBy is a tagged union over what caused a run to be submitted.
type TriggeredBy string

const (
	TriggeredManual        TriggeredBy = "manual"
	TriggeredWebhook       TriggeredBy = "webhook"
	TriggeredScheduler     TriggeredBy = "scheduler"
	TriggeredDownstream    TriggeredBy = "downstream"
	TriggeredDaemonRestart TriggeredBy = "daemon_restart"
)

// RetryTriggeredBy formats the "<x>_retry" triggered_by value for a retry
// attempt of an original submission triggered by x.
func RetryTriggeredBy(original TriggeredBy) TriggeredBy {
	return TriggeredBy(string(original) + "_retry")
}

// ErrorKind is a tagged union over the advisory classification recorded on a
// finalised run.
type ErrorKind string

const (
	ErrorNone               ErrorKind = ""
	ErrorOOM                ErrorKind = "oom"
	ErrorRuntimeRefused     ErrorKind = "runtime_refused_to_start"
	ErrorCommandNotExecutable ErrorKind = "command_not_executable"
	ErrorCommandNotFound    ErrorKind = "command_not_found"
	ErrorTimeout            ErrorKind = "timeout"
	ErrorInfrastructure     ErrorKind = "infrastructure_error"
	ErrorPipeline           ErrorKind = "pipeline_error"
)

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID           string
	PipelineName string
	Status       RunStatus

	StartedAt  *time.Time
	FinishedAt *time.Time

	ExitCode    *int
	ErrorKind   ErrorKind
	ErrorMessage string

	WorkloadID  string // container id or Job name
	LogFile     string
	MetricsFile string

	Env        map[string]string // merged snapshot
	Parameters map[string]string // ad-hoc parameter snapshot

	TriggeredBy TriggeredBy
	RunConfigID *string

	UVVersion     string
	SetupDuration *time.Duration

	RetryCount     int
	PreviousRunID  *string
}

// CellStatus is a tagged union over a notebook cell's execution state within
// one run, mirroring the CELL_END marker's own vocabulary plus an in-flight
// state for cells the orchestrator has seen CELL_START for but not yet
// CELL_END.
type CellStatus string

const (
	CellRunning  CellStatus = "running"
	CellSuccess  CellStatus = "success"
	CellFailed   CellStatus = "failed"
	CellRetrying CellStatus = "retrying"
)

// CellImage is one inline image emitted by a notebook cell (e.g. a
// matplotlib figure), captured as base64-encoded payload plus MIME type.
type CellImage struct {
	MimeType string
	Payload  string // base64
}

// CellRecord is the persisted record of one notebook cell's execution within
// one run. Stdout/stderr accumulate across retry attempts rather than being
// overwritten, so a later retry's output never erases an earlier attempt's.
type CellRecord struct {
	RunID  string
	Index  int
	Status CellStatus

	Attempt      int
	ErrorMessage string

	Stdout string
	Stderr string
	Images []CellImage

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ExecutorBackend is a tagged union over the two execution backends.
type ExecutorBackend string

const (
	BackendDocker     ExecutorBackend = "docker"
	BackendKubernetes ExecutorBackend = "kubernetes"
)

// ScheduledJobTriggerType is a tagged union over how a scheduled job fires.
type ScheduledJobTriggerType string

const (
	TriggerCron     ScheduledJobTriggerType = "cron"
	TriggerInterval ScheduledJobTriggerType = "interval"
)

// ScheduledJobSource records whether a job was declared via the API or
// derived from pipeline metadata.
type ScheduledJobSource string

const (
	SourceAPI          ScheduledJobSource = "api"
	SourcePipelineJSON ScheduledJobSource = "pipeline_json"
)

// ScheduledJobPurpose distinguishes an ordinary cron/interval/run-once
// trigger from a daemon's restart_interval trigger: the latter must cancel
// any instance of the pipeline still running before it resubmits, rather
// than firing alongside it like a regular schedule would.
type ScheduledJobPurpose string

const (
	PurposeSchedule        ScheduledJobPurpose = "schedule"
	PurposeRestartInterval ScheduledJobPurpose = "restart_interval"
)

// ScheduledJob is a persisted cron/interval trigger for a pipeline.
type ScheduledJob struct {
	ID            string
	PipelineName  string
	TriggerType   ScheduledJobTriggerType
	TriggerValue  string // cron expression or integer seconds, as text
	Enabled       bool
	CreatedAt     time.Time
	Source        ScheduledJobSource
	Purpose       ScheduledJobPurpose
	WindowStart   *time.Time
	WindowEnd     *time.Time
	RunConfigID   *string
}

// DownstreamTrigger is a relational-store-declared link between an upstream
// and downstream pipeline, independent of metadata-declared triggers.
type DownstreamTrigger struct {
	ID                 string
	UpstreamPipeline   string
	DownstreamPipeline string
	OnSuccess          bool
	OnFailure          bool
	Enabled            bool
	RunConfigID        *string
}

// Secret is a vault-managed key/value pair. IsParameter marks a non-sensitive
// value stored in plaintext rather than encrypted.
type Secret struct {
	Key         string
	Value       string // ciphertext, or plaintext when IsParameter
	IsParameter bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrchestratorSettings is the singleton (id=1) runtime configuration
// override layer stored in the relational database.
type OrchestratorSettings struct {
	ID                     int
	LogRetentionRuns       int
	LogRetentionDays       int
	LogMaxSizeMB           int64
	GlobalConcurrencyLimit int
	NotificationWebhookURL *string
	GitSyncRepoURL         *string
	GitSyncEncryptedToken  *string
	DependencyAuditCron    *string
	UpdatedAt              time.Time
}
