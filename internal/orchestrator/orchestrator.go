// Package orchestrator sequences a pipeline run end to end: pre-heat,
// submit to the execution backend, stream logs and metrics, wait for exit,
// finalise (persist status, update counters, resolve downstream triggers,
// evaluate retries). It owns the live run registry — workload handles and
// the bounded log/metric queues the control plane's SSE handlers drain —
// in process memory; everything else lives in the relational store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/metrics"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/notebookproto"
	"github.com/fastflow/core/internal/secretsvault"
	"github.com/fastflow/core/internal/store"
)

// Preheater is the subset of *preheat.Preheater's surface the orchestrator
// drives, narrowed to an interface so execute can be exercised against a
// fake in tests instead of shelling out to uv.
type Preheater interface {
	Preheat(ctx context.Context, name, pipelineDir, pythonVersion string) (ok bool, message string)
}

// ErrConcurrencyLimit is returned when the global live-run cap is reached.
var ErrConcurrencyLimit = errors.New("orchestrator: global concurrency limit reached")

// ErrPipelineInstanceLimit is returned when a pipeline's max_instances cap
// would be exceeded.
var ErrPipelineInstanceLimit = errors.New("orchestrator: pipeline instance limit reached")

// ErrPipelineNotFound is returned when the named pipeline is not discovered.
var ErrPipelineNotFound = errors.New("orchestrator: pipeline not found")

// ErrPipelineDisabled is returned when the pipeline is discovered but
// disabled.
var ErrPipelineDisabled = errors.New("orchestrator: pipeline disabled")

// ErrShuttingDown is returned by Submit once Shutdown has been called.
var ErrShuttingDown = errors.New("orchestrator: shutting down, not accepting new runs")

const (
	retryCountEnvKey    = "_fastflow_retry_count"
	previousRunIDEnvKey = "_fastflow_previous_run_id"

	notebookRunnerModule = "fastflow_runner.notebook"

	defaultGraceSeconds = 30
)

// CacheDirs are the fixed host paths mounted into every workload, resolved
// once at start-up from configuration.
type CacheDirs struct {
	UVCacheDir         string
	UVPythonInstallDir string
	RunnerDir          string // non-empty only when notebook pipelines are supported
}

// Config tunes queue sizes and defaults that are not pipeline-specific.
type Config struct {
	LogQueueCapacity     int
	MetricQueueCapacity  int
	DefaultRetrySeconds  int
	MetricSampleInterval time.Duration // expected cadence between metric samples, for health checks
	CacheDirs            CacheDirs
}

func (c Config) withDefaults() Config {
	if c.LogQueueCapacity <= 0 {
		c.LogQueueCapacity = 2000
	}
	if c.MetricQueueCapacity <= 0 {
		c.MetricQueueCapacity = 500
	}
	if c.DefaultRetrySeconds <= 0 {
		c.DefaultRetrySeconds = 60
	}
	if c.MetricSampleInterval <= 0 {
		c.MetricSampleInterval = 2 * time.Second
	}
	return c
}

// liveRun is one run's in-memory bookkeeping while its workload executes.
type liveRun struct {
	runID        string
	pipelineName string
	handle       executor.Handle
	logs         *boundedQueue[executor.LogLine]
	metrics      *boundedQueue[executor.MetricSample]
	cellTracker  *notebookproto.Tracker // non-nil only for notebook pipelines
	cancel       context.CancelFunc
	done         chan struct{}

	lastLogAt    atomic.Int64 // unix nano of the last observed log line, for HealthCheck
	lastMetricAt atomic.Int64 // unix nano of the last observed metric sample
}

// lastSampleAt returns the more recent of the run's last log or metric
// timestamp, or the zero time if neither has been observed yet.
func (lr *liveRun) lastSampleAt() time.Time {
	nano := lr.lastLogAt.Load()
	if m := lr.lastMetricAt.Load(); m > nano {
		nano = m
	}
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Orchestrator drives the full run lifecycle.
type Orchestrator struct {
	store      store.RepositoryInterface
	discovery  *discovery.Discovery
	preheater  Preheater
	vault      *secretsvault.Vault
	backend    executor.Backend
	logger     *logging.Logger
	cfg        Config

	mu           sync.Mutex
	live         map[string]*liveRun
	shuttingDown bool
	wg           sync.WaitGroup
}

// New builds an Orchestrator. backend is whichever execution backend this
// deployment is configured for (container-runtime or Kubernetes Jobs).
func New(st store.RepositoryInterface, disc *discovery.Discovery, preheater Preheater, vault *secretsvault.Vault, backend executor.Backend, logger *logging.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		discovery: disc,
		preheater: preheater,
		vault:     vault,
		backend:   backend,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		live:      make(map[string]*liveRun),
	}
}

// SubmitOptions carries everything caller-specific about one submission.
type SubmitOptions struct {
	TriggeredBy     model.TriggeredBy
	RunConfigID     *string // selects a named schedule override, if set
	AdHocEnv        map[string]string
	AdHocParameters map[string]string

	// Set only when this submission is a retry of a prior failed run.
	RetryCount    int
	PreviousRunID *string
}

// Submit admits, persists, and asynchronously executes a new run of name.
// It returns as soon as the run row exists; the caller observes progress via
// DrainLogs/DrainMetrics or by polling the store.
func (o *Orchestrator) Submit(ctx context.Context, name string, opts SubmitOptions) (*model.PipelineRun, error) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.mu.Unlock()

	dp, err := o.discovery.Get(name)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: discover %q: %w", name, err)
	}
	if dp == nil {
		return nil, ErrPipelineNotFound
	}
	if !dp.Metadata.Enabled {
		return nil, ErrPipelineDisabled
	}

	if err := o.checkAdmission(ctx, dp); err != nil {
		return nil, err
	}

	schedule := scheduleByID(dp, opts.RunConfigID)

	env, err := o.resolveEnv(ctx, dp.Metadata, schedule, opts)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve env for %q: %w", name, err)
	}

	run := &model.PipelineRun{
		ID:            uuid.NewString(),
		PipelineName:  name,
		Status:        model.RunPending,
		Env:           env,
		Parameters:    opts.AdHocParameters,
		TriggeredBy:   opts.TriggeredBy,
		RunConfigID:   opts.RunConfigID,
		RetryCount:    opts.RetryCount,
		PreviousRunID: opts.PreviousRunID,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	metrics.RecordSubmitted(name, string(opts.TriggeredBy))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(context.Background(), run, dp, schedule)
	}()

	return run, nil
}

func (o *Orchestrator) checkAdmission(ctx context.Context, dp *discovery.DiscoveredPipeline) error {
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load settings: %w", err)
	}
	if settings != nil && settings.GlobalConcurrencyLimit > 0 {
		live, err := o.store.CountLiveRuns(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: count live runs: %w", err)
		}
		if live >= settings.GlobalConcurrencyLimit {
			return ErrConcurrencyLimit
		}
	}
	if dp.Metadata.MaxInstances != nil {
		live, err := o.store.CountLiveRunsForPipeline(ctx, dp.Name)
		if err != nil {
			return fmt.Errorf("orchestrator: count live runs for %q: %w", dp.Name, err)
		}
		if live >= *dp.Metadata.MaxInstances {
			return ErrPipelineInstanceLimit
		}
	}
	return nil
}

// resolveEnv implements the documented precedence, later entries winning:
// pipeline default_env, schedule default_env, pipeline encrypted_env,
// schedule encrypted_env, global secrets, ad-hoc env, ad-hoc parameters,
// then the fixed base env — which always wins, so a run can never override
// the cache-path/interpreter-behavior variables the backend depends on.
func (o *Orchestrator) resolveEnv(ctx context.Context, meta model.PipelineMetadata, schedule *model.NamedSchedule, opts SubmitOptions) (map[string]string, error) {
	env := make(map[string]string)
	merge := func(src map[string]string) {
		for k, v := range src {
			env[k] = v
		}
	}

	merge(meta.DefaultEnv)
	if schedule != nil {
		merge(schedule.DefaultEnv)
	}
	merge(o.vault.DecryptInlineEnv(ctx, meta.EncryptedEnv))
	if schedule != nil {
		merge(o.vault.DecryptInlineEnv(ctx, schedule.EncryptedEnv))
	}

	globalSecrets, err := o.vault.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	merge(globalSecrets)

	merge(opts.AdHocEnv)
	merge(opts.AdHocParameters)

	merge(map[string]string{
		"UV_CACHE_DIR":          o.cfg.CacheDirs.UVCacheDir,
		"UV_PYTHON_INSTALL_DIR": o.cfg.CacheDirs.UVPythonInstallDir,
		"UV_LINK_MODE":          "copy",
		"PYTHONUNBUFFERED":      "1",
	})
	if opts.RetryCount > 0 {
		env[retryCountEnvKey] = fmt.Sprintf("%d", opts.RetryCount)
		if opts.PreviousRunID != nil {
			env[previousRunIDEnvKey] = *opts.PreviousRunID
		}
	}
	return env, nil
}

// scriptWrapper is the inline interpreter argument given to `python -u -c`
// for script pipelines: it emits the setup-ready sentinel, then executes
// main.py with cwd /app and __name__ == "__main__".
const scriptWrapper = `import os, sys
print(%q, flush=True)
os.chdir("/app")
sys.path.insert(0, "/app")
with open("/app/main.py") as _f:
    _src = _f.read()
exec(compile(_src, "/app/main.py", "exec"), {"__name__": "__main__"})
`

func buildCommand(meta model.PipelineMetadata, lockFileExists bool) []string {
	cmd := []string{"uv", "run", "--python", meta.PythonVersion}
	if lockFileExists {
		cmd = append(cmd, "--with-requirements", "/app/requirements.txt.lock")
	}
	if meta.Type == model.EntryNotebook {
		cmd = append(cmd, "python", "-u", "-m", notebookRunnerModule, "/app/main.ipynb")
		return cmd
	}
	cmd = append(cmd, "python", "-u", "-c", fmt.Sprintf(scriptWrapper, executor.SetupReadySentinel))
	return cmd
}

func effectiveLimits(meta model.PipelineMetadata, schedule *model.NamedSchedule) executor.ResourceLimits {
	limits := executor.ResourceLimits{CPUHardCores: meta.CPUHardLimit, CPUSoftCores: meta.CPUSoftLimit}
	limits.MemHardMB = parseMemMB(meta.MemHardLimit)
	if meta.MemSoftLimit != nil {
		v := parseMemMB(*meta.MemSoftLimit)
		limits.MemSoftMB = &v
	}
	if schedule == nil {
		return limits
	}
	if schedule.CPUHardLimit != nil {
		limits.CPUHardCores = *schedule.CPUHardLimit
	}
	if schedule.CPUSoftLimit != nil {
		limits.CPUSoftCores = schedule.CPUSoftLimit
	}
	if schedule.MemHardLimit != nil {
		limits.MemHardMB = parseMemMB(*schedule.MemHardLimit)
	}
	if schedule.MemSoftLimit != nil {
		v := parseMemMB(*schedule.MemSoftLimit)
		limits.MemSoftMB = &v
	}
	return limits
}

func parseMemMB(spec string) float64 {
	if spec == "" {
		return 0
	}
	n := len(spec)
	unit := spec[n-1]
	var multiplier float64
	switch unit {
	case 'g', 'G':
		multiplier = 1024
	case 'm', 'M':
		multiplier = 1
	default:
		return 0
	}
	var value float64
	fmt.Sscanf(spec[:n-1], "%f", &value)
	return value * multiplier
}

func effectiveTimeout(meta model.PipelineMetadata, schedule *model.NamedSchedule) time.Duration {
	seconds := meta.TimeoutSeconds
	if schedule != nil && schedule.TimeoutSeconds != nil {
		seconds = *schedule.TimeoutSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func effectiveRetryAttempts(meta model.PipelineMetadata, schedule *model.NamedSchedule) int {
	if schedule != nil && schedule.RetryAttempts != nil {
		return *schedule.RetryAttempts
	}
	return meta.RetryAttempts
}

func effectiveRetryStrategy(meta model.PipelineMetadata, schedule *model.NamedSchedule) *model.RetryStrategy {
	if schedule != nil && schedule.RetryStrategy != nil {
		return schedule.RetryStrategy
	}
	return meta.RetryStrategy
}
