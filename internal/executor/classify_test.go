package executor

import (
	"testing"

	"github.com/fastflow/core/internal/model"
)

func TestClassifyExitCode(t *testing.T) {
	cases := []struct {
		name      string
		exitCode  int
		oomKilled bool
		wantKind  model.ErrorKind
		wantStat  model.RunStatus
	}{
		{"success", 0, false, model.ErrorNone, model.RunSuccess},
		{"oom by exit code", 137, false, model.ErrorOOM, model.RunFailed},
		{"oom by flag regardless of exit code", 1, true, model.ErrorOOM, model.RunFailed},
		{"runtime refused", 125, false, model.ErrorRuntimeRefused, model.RunFailed},
		{"not executable", 126, false, model.ErrorCommandNotExecutable, model.RunFailed},
		{"not found", 127, false, model.ErrorCommandNotFound, model.RunFailed},
		{"timeout", -1, false, model.ErrorTimeout, model.RunFailed},
		{"generic pipeline error", 1, false, model.ErrorPipeline, model.RunFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, status := ClassifyExitCode(c.exitCode, c.oomKilled)
			if kind != c.wantKind || status != c.wantStat {
				t.Fatalf("got (%s, %s), want (%s, %s)", kind, status, c.wantKind, c.wantStat)
			}
		})
	}
}

func TestCPUPercentClampedAndUndefinedCase(t *testing.T) {
	if got := CPUPercent(50, 100, 2); got != 100 {
		t.Fatalf("got %v, want 100 (clamped)", got)
	}
	if got := CPUPercent(10, 100, 1); got != 10 {
		t.Fatalf("got %v, want 10", got)
	}
	if got := CPUPercent(10, 0, 1); got != 0 {
		t.Fatalf("got %v, want 0 for zero system delta", got)
	}
	if got := CPUPercent(10, -5, 1); got != 0 {
		t.Fatalf("got %v, want 0 for negative system delta", got)
	}
	if got := CPUPercent(10, 100, 0); got != 10 {
		t.Fatalf("got %v, want 10 (online_cpus defaults to 1)", got)
	}
}
