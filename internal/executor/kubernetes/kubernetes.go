// Package kubernetes implements the Kubernetes-Jobs execution backend. One
// Job runs each pipeline run, restart_policy=Never, backoff_limit=0; the
// Job mounts the run-specific subdirectory runs/<run id> of a shared
// ReadWriteMany volume at /app. Nothing in this module copies the pipeline
// source into that subdirectory.
package kubernetes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/resilience"
)

const (
	RunIDLabel    = "fastflow-run-id"
	PipelineLabel = "fastflow-pipeline"

	sharedVolumeClaim = "fastflow-shared"
	metricsCadence     = 2 * time.Second
)

// Backend drives batch/v1 Jobs and the cluster metrics API.
type Backend struct {
	clientset     kubernetes.Interface
	metricsClient metricsv1beta1.Interface
	namespace     string
	workerImage   string
	logger        *logging.Logger
	breaker       *resilience.CircuitBreaker
}

// New builds a Backend bound to namespace, using workerImage for every Job.
func New(clientset kubernetes.Interface, metricsClient metricsv1beta1.Interface, namespace, workerImage string, logger *logging.Logger, breaker *resilience.CircuitBreaker) *Backend {
	return &Backend{
		clientset:     clientset,
		metricsClient: metricsClient,
		namespace:     namespace,
		workerImage:   workerImage,
		logger:        logger,
		breaker:       breaker,
	}
}

var _ executor.Backend = (*Backend)(nil)

func jobName(runID string) string {
	return fmt.Sprintf("fastflow-run-%s", runID)
}

// Submit creates a Job for sub. It only references the shared volume's
// run-specific subdirectory; neither this backend nor the orchestrator
// copies the pipeline source (sub.PipelineDir) into it.
func (b *Backend) Submit(ctx context.Context, sub executor.Submission) (executor.Handle, error) {
	name := jobName(sub.RunID)
	backoffLimit := int32(0)
	activeDeadline := int64(sub.Timeout.Seconds())

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.namespace,
			Labels: map[string]string{
				RunIDLabel:    sub.RunID,
				PipelineLabel: sub.PipelineName,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						RunIDLabel:    sub.RunID,
						PipelineLabel: sub.PipelineName,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "run",
							Image:     b.workerImage,
							Command:   sub.Command,
							Env:       envVars(sub.Env),
							Resources: resourceRequirements(sub.Limits),
							VolumeMounts: []corev1.VolumeMount{
								{Name: "shared", MountPath: "/app", SubPath: "runs/" + sub.RunID, ReadOnly: true},
								{Name: "shared", MountPath: "/cache/uv", SubPath: "cache/uv"},
								{Name: "shared", MountPath: "/cache/python", SubPath: "cache/python"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "shared",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: sharedVolumeClaim},
							},
						},
					},
				},
			},
		},
	}
	if activeDeadline > 0 {
		job.Spec.ActiveDeadlineSeconds = &activeDeadline
	}

	var created *batchv1.Job
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var createErr error
		created, createErr = b.clientset.BatchV1().Jobs(b.namespace).Create(ctx, job, metav1.CreateOptions{})
		return createErr
	})
	if err != nil {
		return executor.Handle{}, fmt.Errorf("kubernetes: create job: %w", err)
	}

	return executor.Handle{RunID: sub.RunID, WorkloadID: created.Name, CreatedAt: created.CreationTimestamp.Time}, nil
}

func envVars(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}

func resourceRequirements(limits executor.ResourceLimits) corev1.ResourceRequirements {
	hardCPU := resource.NewMilliQuantity(int64(limits.CPUHardCores*1000), resource.DecimalSI)
	hardMem := resource.NewQuantity(int64(limits.MemHardMB*1024*1024), resource.BinarySI)

	req := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *hardCPU,
			corev1.ResourceMemory: *hardMem,
		},
		Requests: corev1.ResourceList{},
	}
	if limits.CPUSoftCores != nil {
		req.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(*limits.CPUSoftCores*1000), resource.DecimalSI)
	}
	if limits.MemSoftMB != nil {
		req.Requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(*limits.MemSoftMB*1024*1024), resource.BinarySI)
	}
	return req
}

// podForJob resolves the single pod owned by a Job.
func (b *Backend) podForJob(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := b.clientset.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes: list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("kubernetes: no pod found for job %s", jobName)
	}
	return &pods.Items[0], nil
}

// StreamLogs reads the pod-log stream with server-side timestamps, handling
// chunk boundaries between the timestamp prefix and line content.
func (b *Backend) StreamLogs(ctx context.Context, h executor.Handle, out chan<- executor.LogLine) error {
	pod, err := b.podForJob(ctx, h.WorkloadID)
	if err != nil {
		return err
	}

	req := b.clientset.CoreV1().Pods(b.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Follow:     true,
		Timestamps: true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("kubernetes: open log stream: %w", err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
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
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("kubernetes: scan logs: %w", err)
	}
	return nil
}

func splitTimestamp(line string) (time.Time, string) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return time.Now(), line
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Now(), line
	}
	return ts, parts[1]
}

// StreamMetrics samples the cluster metrics API on a fixed cadence,
// converting CPU cores to percent and memory bytes to MB.
func (b *Backend) StreamMetrics(ctx context.Context, h executor.Handle, out chan<- executor.MetricSample) error {
	pod, err := b.podForJob(ctx, h.WorkloadID)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(metricsCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			podMetrics, err := b.metricsClient.MetricsV1beta1().PodMetricses(b.namespace).Get(ctx, pod.Name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				continue // sample not yet available: dropped, not zero-filled
			}
			if err != nil {
				continue
			}
			var cpuCores, memBytes int64
			for _, c := range podMetrics.Containers {
				cpuCores += c.Usage.Cpu().MilliValue()
				memBytes += c.Usage.Memory().Value()
			}
			sample := executor.MetricSample{
				Timestamp:  podMetrics.Timestamp.Time,
				CPUPercent: float64(cpuCores) / 10.0, // milli-cores of 1 core == 100%
				RAMMB:      float64(memBytes) / (1024 * 1024),
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Wait polls the Job status until it reaches a terminal condition.
func (b *Backend) Wait(ctx context.Context, h executor.Handle, timeout time.Duration) (executor.WaitResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return executor.WaitResult{ExitCode: -1}, nil
		case <-ticker.C:
			job, err := b.clientset.BatchV1().Jobs(b.namespace).Get(ctx, h.WorkloadID, metav1.GetOptions{})
			if err != nil {
				return executor.WaitResult{}, fmt.Errorf("kubernetes: get job: %w", err)
			}
			if job.Status.Succeeded > 0 {
				return executor.WaitResult{ExitCode: 0}, nil
			}
			if job.Status.Failed > 0 {
				return b.waitResultFromFailedPod(ctx, h.WorkloadID)
			}
		}
	}
}

func (b *Backend) waitResultFromFailedPod(ctx context.Context, jobName string) (executor.WaitResult, error) {
	pod, err := b.podForJob(ctx, jobName)
	if err != nil {
		return executor.WaitResult{ExitCode: 1}, nil
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			return executor.WaitResult{
				ExitCode:  int(cs.State.Terminated.ExitCode),
				OOMKilled: cs.State.Terminated.Reason == "OOMKilled",
			}, nil
		}
	}
	return executor.WaitResult{ExitCode: 1}, nil
}

// Cancel deletes the Job with a grace period; Kubernetes propagates deletion
// to the owned pod.
func (b *Backend) Cancel(ctx context.Context, h executor.Handle, graceSeconds int) error {
	grace := int64(graceSeconds)
	return b.clientset.BatchV1().Jobs(b.namespace).Delete(ctx, h.WorkloadID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
}

// Cleanup deletes the Job and its pods (propagation policy Background).
func (b *Backend) Cleanup(ctx context.Context, h executor.Handle) error {
	policy := metav1.DeletePropagationBackground
	err := b.clientset.BatchV1().Jobs(b.namespace).Delete(ctx, h.WorkloadID, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListLiveWorkloads enumerates every Job carrying this system's run-id
// label, for the zombie reconciler.
func (b *Backend) ListLiveWorkloads(ctx context.Context) ([]executor.LiveWorkload, error) {
	jobs, err := b.clientset.BatchV1().Jobs(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: RunIDLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes: list jobs: %w", err)
	}

	out := make([]executor.LiveWorkload, 0, len(jobs.Items))
	for _, job := range jobs.Items {
		runID := job.Labels[RunIDLabel]
		running := job.Status.Succeeded == 0 && job.Status.Failed == 0
		out = append(out, executor.LiveWorkload{
			RunID:   runID,
			Handle:  executor.Handle{RunID: runID, WorkloadID: job.Name, CreatedAt: job.CreationTimestamp.Time},
			Running: running,
		})
	}
	return out, nil
}
