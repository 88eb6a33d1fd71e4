package kubernetes

import (
	"testing"
	"time"

	"github.com/fastflow/core/internal/executor"
)

func TestSplitTimestampParsesPrefix(t *testing.T) {
	line := "2026-07-30T12:00:00.123456789Z training step 3 complete"
	ts, text := splitTimestamp(line)
	want, _ := time.Parse(time.RFC3339Nano, "2026-07-30T12:00:00.123456789Z")
	if !ts.Equal(want) {
		t.Fatalf("got %v, want %v", ts, want)
	}
	if text != "training step 3 complete" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestSplitTimestampFallsBackOnMalformedPrefix(t *testing.T) {
	line := "not-a-timestamp some log line"
	_, text := splitTimestamp(line)
	if text != line {
		t.Fatalf("expected fallback to return the original line verbatim, got %q", text)
	}
}

func TestJobNameIsDeterministicPerRun(t *testing.T) {
	a := jobName("run-123")
	b := jobName("run-123")
	if a != b {
		t.Fatalf("expected deterministic job name, got %q and %q", a, b)
	}
	if jobName("run-123") == jobName("run-456") {
		t.Fatalf("expected distinct job names for distinct runs")
	}
}

func TestResourceRequirementsConvertsCoresAndMB(t *testing.T) {
	softCPU := 0.5
	softMem := 256.0
	limits := executor.ResourceLimits{
		CPUHardCores: 1.5,
		MemHardMB:    1024,
		CPUSoftCores: &softCPU,
		MemSoftMB:    &softMem,
	}
	req := resourceRequirements(limits)

	if got := req.Limits.Cpu().MilliValue(); got != 1500 {
		t.Fatalf("unexpected CPU limit: %d millicores", got)
	}
	if got := req.Limits.Memory().Value(); got != 1024*1024*1024 {
		t.Fatalf("unexpected memory limit: %d bytes", got)
	}
	if got := req.Requests.Cpu().MilliValue(); got != 500 {
		t.Fatalf("unexpected CPU request: %d millicores", got)
	}
	if got := req.Requests.Memory().Value(); got != 256*1024*1024 {
		t.Fatalf("unexpected memory request: %d bytes", got)
	}
}
