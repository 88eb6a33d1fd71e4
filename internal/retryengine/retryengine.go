// Package retryengine evaluates a pipeline's retry_strategy into a concrete
// delay in seconds. Delay is a pure function of its inputs: same attempt and
// strategy always produce the same delay, with no I/O and no clock reads.
package retryengine

import "github.com/fastflow/core/internal/model"

const (
	defaultInitialDelay = 60
	defaultMultiplier   = 2.0
	defaultMaxDelay     = 3600
)

// Delay returns the number of seconds to wait before the given 1-based retry
// attempt, per strategy. A nil strategy, or a strategy of an unrecognised
// type, falls back to defaultSeconds.
func Delay(attempt int, strategy *model.RetryStrategy, defaultSeconds int) int {
	if strategy == nil {
		return defaultSeconds
	}

	switch strategy.Type {
	case model.RetryFixedDelay:
		if strategy.Delay != nil {
			return *strategy.Delay
		}
		return defaultSeconds

	case model.RetryExponentialBackoff:
		initial := defaultInitialDelay
		if strategy.InitialDelay != nil {
			initial = *strategy.InitialDelay
		}
		multiplier := defaultMultiplier
		if strategy.Multiplier != nil {
			multiplier = *strategy.Multiplier
		}
		maxDelay := defaultMaxDelay
		if strategy.MaxDelay != nil {
			maxDelay = *strategy.MaxDelay
		}

		delay := float64(initial)
		for i := 1; i < attempt; i++ {
			delay *= multiplier
		}
		if int(delay) > maxDelay {
			return maxDelay
		}
		return int(delay)

	case model.RetryCustomSchedule:
		if len(strategy.Delays) == 0 {
			return defaultSeconds
		}
		if attempt > len(strategy.Delays) {
			return strategy.Delays[len(strategy.Delays)-1]
		}
		if attempt < 1 {
			return strategy.Delays[0]
		}
		return strategy.Delays[attempt-1]

	default:
		return defaultSeconds
	}
}
