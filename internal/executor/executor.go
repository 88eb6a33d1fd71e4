// Package executor defines the unified contract both execution backends
// (container-runtime and Kubernetes Jobs) satisfy, plus the shared exit-code
// classification and CPU-percent math neither backend varies.
package executor

import (
	"context"
	"time"

	"github.com/fastflow/core/internal/model"
)

// ResourceLimits is a submission's resolved resource envelope, already unit
// converted to what the backend needs (cores, MB).
type ResourceLimits struct {
	CPUHardCores float64
	MemHardMB    float64
	CPUSoftCores *float64
	MemSoftMB    *float64
}

// Submission is everything a backend needs to launch one run's workload.
type Submission struct {
	RunID        string
	PipelineName string
	EntryType    model.EntryType
	Command      []string
	Env          map[string]string
	Limits       ResourceLimits
	Timeout      time.Duration // 0 => unbounded
	PipelineDir  string        // host path to the pipeline source
	LockFilePath string        // absolute lock file path, if one exists
}

// Handle identifies a submitted workload to its owning backend.
type Handle struct {
	RunID      string
	WorkloadID string // container id or Job name
	CreatedAt  time.Time
}

// LogLine is one line of a workload's stdout/stderr stream.
type LogLine struct {
	Timestamp time.Time
	Text      string
}

// MetricSample is one point of a workload's resource usage stream.
type MetricSample struct {
	Timestamp  time.Time
	CPUPercent float64
	RAMMB      float64
	RAMLimitMB float64
}

// WaitResult is the outcome of waiting for a workload to terminate.
type WaitResult struct {
	ExitCode  int
	OOMKilled bool
}

// LiveWorkload describes one workload discovered by ListLiveWorkloads,
// labelled by this system but not necessarily known to the run registry.
type LiveWorkload struct {
	RunID      string
	Handle     Handle
	Running    bool
}

// Backend is the contract both the container-runtime and Kubernetes-Jobs
// executors satisfy.
type Backend interface {
	Submit(ctx context.Context, sub Submission) (Handle, error)
	StreamLogs(ctx context.Context, h Handle, out chan<- LogLine) error
	StreamMetrics(ctx context.Context, h Handle, out chan<- MetricSample) error
	Wait(ctx context.Context, h Handle, timeout time.Duration) (WaitResult, error)
	Cancel(ctx context.Context, h Handle, graceSeconds int) error
	Cleanup(ctx context.Context, h Handle) error
	ListLiveWorkloads(ctx context.Context) ([]LiveWorkload, error)
}

// SetupReadySentinel is the stdout marker emitted immediately before user
// code begins; the log stream consumes it silently and uses its arrival
// time to compute setup duration. It must never reach the persisted log.
const SetupReadySentinel = "FASTFLOW_SETUP_READY"
