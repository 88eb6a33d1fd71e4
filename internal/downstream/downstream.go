// Package downstream resolves the set of pipelines to trigger off an
// upstream pipeline's terminal status, merging metadata-declared triggers
// with rows stored in the relational database.
package downstream

import (
	"context"
	"sort"

	"github.com/fastflow/core/internal/model"
)

// Store is the subset of the repository interface this resolver needs.
type Store interface {
	ListDownstreamTriggers(ctx context.Context, upstreamPipeline string) ([]model.DownstreamTrigger, error)
}

// Resolved is one candidate downstream submission.
type Resolved struct {
	DownstreamPipeline string
	RunConfigID        string
}

// Resolve returns the ordered, deduplicated set of downstream pipelines to
// trigger for upstreamName's terminal status. onSuccess selects whether the
// upstream run succeeded or failed; a candidate is included iff
// (onSuccess && trigger.OnSuccess) || (!onSuccess && trigger.OnFailure).
// Results are sorted by downstream pipeline name for a stable, testable order.
func Resolve(ctx context.Context, store Store, upstreamName string, metadataTriggers []model.DownstreamTriggerSpec, onSuccess bool) ([]Resolved, error) {
	candidates := make(map[string]Resolved)

	for _, t := range metadataTriggers {
		if t.DownstreamPipeline == "" {
			continue
		}
		if includes(onSuccess, t.OnSuccess, t.OnFailure) {
			candidates[t.DownstreamPipeline] = Resolved{
				DownstreamPipeline: t.DownstreamPipeline,
				RunConfigID:        t.RunConfigID,
			}
		}
	}

	rows, err := store.ListDownstreamTriggers(ctx, upstreamName)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !row.Enabled || row.DownstreamPipeline == "" {
			continue
		}
		if includes(onSuccess, row.OnSuccess, row.OnFailure) {
			runConfigID := ""
			if row.RunConfigID != nil {
				runConfigID = *row.RunConfigID
			}
			candidates[row.DownstreamPipeline] = Resolved{
				DownstreamPipeline: row.DownstreamPipeline,
				RunConfigID:        runConfigID,
			}
		}
	}

	result := make([]Resolved, 0, len(candidates))
	for _, r := range candidates {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DownstreamPipeline < result[j].DownstreamPipeline
	})
	return result, nil
}

func includes(onSuccess, triggerOnSuccess, triggerOnFailure bool) bool {
	if onSuccess {
		return triggerOnSuccess
	}
	return triggerOnFailure
}
