package executor

import "github.com/fastflow/core/internal/model"

// ClassifyExitCode maps an exit code and OOM flag to the advisory error kind
// recorded on the run. Both backends funnel through this single function so
// classification never drifts between them.
//
//   0                -> success (ErrorNone)
//   137 or OOMKilled  -> OOM
//   125               -> runtime refused to start the workload
//   126               -> command not executable
//   127               -> command not found
//   -1                -> orchestrator-initiated timeout kill
//   anything else     -> generic pipeline error
func ClassifyExitCode(exitCode int, oomKilled bool) (model.ErrorKind, model.RunStatus) {
	if exitCode == 0 {
		return model.ErrorNone, model.RunSuccess
	}
	if oomKilled || exitCode == 137 {
		return model.ErrorOOM, model.RunFailed
	}
	switch exitCode {
	case 125:
		return model.ErrorRuntimeRefused, model.RunFailed
	case 126:
		return model.ErrorCommandNotExecutable, model.RunFailed
	case 127:
		return model.ErrorCommandNotFound, model.RunFailed
	case -1:
		return model.ErrorTimeout, model.RunFailed
	default:
		return model.ErrorPipeline, model.RunFailed
	}
}

// CPUPercent computes the container CPU-usage percentage from two
// successive stats frames, clamped to [0,100]. It returns 0 when the system
// delta is non-positive (the formula is undefined in that case, per the
// stats feed's own "no new tick yet" semantics).
func CPUPercent(containerCPUDelta, systemCPUDelta int64, onlineCPUs uint32) float64 {
	if systemCPUDelta <= 0 {
		return 0
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	pct := (float64(containerCPUDelta) / float64(systemCPUDelta)) * float64(onlineCPUs) * 100.0
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
