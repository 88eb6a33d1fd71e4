// Package docker implements the container-runtime execution backend on top
// of the Docker Engine API. Every run becomes one container, created with
// auto-remove disabled; the orchestrator removes it after finalisation.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/resilience"
)

const (
	// RunIDLabel and PipelineLabel tag every container this system launches
	// so the zombie reconciler and cleanup job can enumerate them.
	RunIDLabel     = "fastflow-run-id"
	PipelineLabel  = "fastflow-pipeline"
	workerImageEnv = "FASTFLOW_WORKER_IMAGE"

	defaultWorkerImage = "ghcr.io/fastflow/worker:latest"
	nanoCPUsPerCore    = 1_000_000_000
)

// MountPaths are the host paths Submit binds to the fixed in-container
// targets the worker image expects (/app, /cache/uv, /cache/python, /runner).
type MountPaths struct {
	PipelineHostDir string // host path to the pipeline source, mounted read-only at /app
	UVCacheHostDir  string
	PythonCacheHostDir string
	RunnerHostDir   string // host path to the notebook runner, mounted read-only at /runner; empty for script pipelines
}

// Backend drives the Docker Engine API via a hardened socket proxy; callers
// never talk to the raw daemon socket directly.
type Backend struct {
	client  *dockerclient.Client
	logger  *logging.Logger
	breaker *resilience.CircuitBreaker
	image   string
	mounts  func(sub executor.Submission) MountPaths
}

// New dials the configured Docker endpoint (typically a socket proxy) and
// negotiates the API version. mountsFn resolves the host paths for a given
// submission; callers typically close over the orchestrator's own mount
// table, falling back to an env hint when a path cannot be inspected.
func New(logger *logging.Logger, breaker *resilience.CircuitBreaker, mountsFn func(executor.Submission) MountPaths) (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}

	image := workerImage()

	return &Backend{
		client:  cli,
		logger:  logger,
		breaker: breaker,
		image:   image,
		mounts:  mountsFn,
	}, nil
}

func workerImage() string {
	// Resolved lazily rather than at package init so tests can override it
	// via the environment without import-order surprises.
	if img := os.Getenv(workerImageEnv); img != "" {
		return img
	}
	return defaultWorkerImage
}

var _ executor.Backend = (*Backend)(nil)

// Submit creates and starts one container for sub. The command is taken
// verbatim from the orchestrator; this backend never constructs it.
func (b *Backend) Submit(ctx context.Context, sub executor.Submission) (executor.Handle, error) {
	var containerID string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		paths := b.mounts(sub)

		mounts := []mount.Mount{
			{Type: mount.TypeBind, Source: paths.PipelineHostDir, Target: "/app", ReadOnly: true},
			{Type: mount.TypeBind, Source: paths.UVCacheHostDir, Target: "/cache/uv"},
			{Type: mount.TypeBind, Source: paths.PythonCacheHostDir, Target: "/cache/python"},
		}
		if paths.RunnerHostDir != "" {
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: paths.RunnerHostDir, Target: "/runner", ReadOnly: true})
		}

		memBytes := int64(sub.Limits.MemHardMB * 1024 * 1024)
		nanoCPUs := int64(sub.Limits.CPUHardCores * nanoCPUsPerCore)

		cfg := &dockercontainer.Config{
			Image: b.image,
			Cmd:   sub.Command,
			Env:   envSlice(sub.Env),
			Labels: map[string]string{
				RunIDLabel:    sub.RunID,
				PipelineLabel: sub.PipelineName,
			},
			Tty: false,
		}
		hostCfg := &dockercontainer.HostConfig{
			Mounts:     mounts,
			AutoRemove: false,
			Resources: dockercontainer.Resources{
				Memory:     memBytes,
				MemorySwap: memBytes, // swap disabled: hard limit equals memswap limit
				NanoCPUs:   nanoCPUs,
			},
			LogConfig: dockercontainer.LogConfig{Type: "json-file"},
		}

		name := fmt.Sprintf("fastflow-%s", sub.RunID)
		resp, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			return fmt.Errorf("docker: create container: %w", err)
		}
		if err := b.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
			return fmt.Errorf("docker: start container: %w", err)
		}
		containerID = resp.ID
		return nil
	})
	if err != nil {
		return executor.Handle{}, err
	}

	return executor.Handle{RunID: sub.RunID, WorkloadID: containerID, CreatedAt: timeNow()}, nil
}

// StreamLogs demultiplexes the container's JSON-line stdout/stderr frames
// and pushes each line to out, silently swallowing the setup-ready
// sentinel so it never reaches the persisted log.
func (b *Backend) StreamLogs(ctx context.Context, h executor.Handle, out chan<- executor.LogLine) error {
	reader, err := b.client.ContainerLogs(ctx, h.WorkloadID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return fmt.Errorf("docker: container logs: %w", err)
	}
	defer reader.Close()

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(copyErr)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ts, text := splitTimestamp(line)
		if strings.Contains(text, executor.SetupReadySentinel) {
			continue
		}
		select {
		case out <- executor.LogLine{Timestamp: ts, Text: text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		return fmt.Errorf("docker: scan logs: %w", err)
	}
	return nil
}

// splitTimestamp separates the RFC3339Nano timestamp Docker prefixes each
// log line with (when Timestamps is requested) from the line content.
func splitTimestamp(line string) (time.Time, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return timeNow(), line
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return timeNow(), line
	}
	return ts, parts[1]
}

// StreamMetrics polls the container stats stream and emits one sample per
// frame using the delta CPU-percent formula.
func (b *Backend) StreamMetrics(ctx context.Context, h executor.Handle, out chan<- executor.MetricSample) error {
	resp, err := b.client.ContainerStats(ctx, h.WorkloadID, true)
	if err != nil {
		return fmt.Errorf("docker: container stats: %w", err)
	}
	defer resp.Body.Close()

	dec := newStatsDecoder(resp.Body)
	var prevContainerCPU, prevSystemCPU uint64
	haveBaseline := false

	for {
		stats, err := dec.next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("docker: decode stats: %w", err)
		}

		containerDelta := int64(stats.containerCPU - prevContainerCPU)
		systemDelta := int64(stats.systemCPU - prevSystemCPU)
		var pct float64
		if haveBaseline {
			pct = cpuPercent(containerDelta, systemDelta, stats.onlineCPUs)
		}
		prevContainerCPU, prevSystemCPU = stats.containerCPU, stats.systemCPU
		haveBaseline = true

		sample := executor.MetricSample{
			Timestamp:  timeNow(),
			CPUPercent: pct,
			RAMMB:      float64(stats.memUsage) / (1024 * 1024),
			RAMLimitMB: float64(stats.memLimit) / (1024 * 1024),
		}
		select {
		case out <- sample:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until the container leaves the running state, or timeout
// elapses, in which case the caller is expected to Cancel and report a
// timeout exit.
func (b *Backend) Wait(ctx context.Context, h executor.Handle, timeout time.Duration) (executor.WaitResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	statusCh, errCh := b.client.ContainerWait(ctx, h.WorkloadID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return executor.WaitResult{ExitCode: -1}, nil
		}
		return executor.WaitResult{}, fmt.Errorf("docker: wait: %w", err)
	case status := <-statusCh:
		inspect, inspectErr := b.client.ContainerInspect(ctx, h.WorkloadID)
		oomKilled := inspectErr == nil && inspect.State != nil && inspect.State.OOMKilled
		return executor.WaitResult{ExitCode: int(status.StatusCode), OOMKilled: oomKilled}, nil
	case <-ctx.Done():
		return executor.WaitResult{ExitCode: -1}, nil
	}
}

// Cancel stops the container, giving it graceSeconds to exit cleanly
// before Docker sends SIGKILL.
func (b *Backend) Cancel(ctx context.Context, h executor.Handle, graceSeconds int) error {
	timeout := graceSeconds
	return b.client.ContainerStop(ctx, h.WorkloadID, dockercontainer.StopOptions{Timeout: &timeout})
}

// Cleanup removes the container. Called by the orchestrator only after
// finalisation and stream drain.
func (b *Backend) Cleanup(ctx context.Context, h executor.Handle) error {
	return b.client.ContainerRemove(ctx, h.WorkloadID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
}

// ListLiveWorkloads enumerates every container carrying this system's
// run-id label, for the zombie reconciler.
func (b *Backend) ListLiveWorkloads(ctx context.Context) ([]executor.LiveWorkload, error) {
	containers, err := b.client.ContainerList(ctx, dockercontainer.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}

	var out []executor.LiveWorkload
	for _, c := range containers {
		runID, ok := c.Labels[RunIDLabel]
		if !ok {
			continue
		}
		out = append(out, executor.LiveWorkload{
			RunID: runID,
			Handle: executor.Handle{
				RunID:      runID,
				WorkloadID: c.ID,
			},
			Running: c.State == "running",
		})
	}
	return out, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// overridable in tests
var timeNow = time.Now

// cpuPercent forwards to the shared classification math so both backends
// stay byte-for-byte consistent.
func cpuPercent(containerDelta, systemDelta int64, onlineCPUs uint32) float64 {
	return executor.CPUPercent(containerDelta, systemDelta, onlineCPUs)
}

// statsFrame is the subset of Docker's stats JSON this backend consumes.
type statsFrame struct {
	containerCPU uint64
	systemCPU    uint64
	onlineCPUs   uint32
	memUsage     uint64
	memLimit     uint64
}

// statsDecoder reads the newline-delimited JSON stream ContainerStats
// returns when streaming is true.
type statsDecoder struct {
	dec *json.Decoder
}

func newStatsDecoder(r io.Reader) *statsDecoder {
	return &statsDecoder{dec: json.NewDecoder(r)}
}

type dockerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

func (d *statsDecoder) next() (statsFrame, error) {
	var raw dockerStatsJSON
	if err := d.dec.Decode(&raw); err != nil {
		return statsFrame{}, err
	}
	return statsFrame{
		containerCPU: raw.CPUStats.CPUUsage.TotalUsage,
		systemCPU:    raw.CPUStats.SystemUsage,
		onlineCPUs:   raw.CPUStats.OnlineCPUs,
		memUsage:     raw.MemoryStats.Usage,
		memLimit:     raw.MemoryStats.Limit,
	}, nil
}
