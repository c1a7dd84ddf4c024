package temporal

import (
	"fmt"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/scan"
)

const maxRetries = 2

// RebuildInput holds the workflow parameters.
type RebuildInput struct {
	// BatchSize is the number of files per IndexBatchActivity; zero uses
	// the scan default.
	BatchSize int
	// Prune soft-deletes records of vanished files after indexing.
	Prune bool
}

// RebuildOutput holds the workflow result.
type RebuildOutput struct {
	Stats   scan.Stats
	Batches int
	Pruned  []string
	Errors  []string
}

// RebuildWorkflow lists the working files once, then indexes them batch by
// batch. A batch that keeps failing after its retries is reported in Errors
// and the remaining batches still run. Indexing is idempotent, so a retried
// batch never duplicates records.
func RebuildWorkflow(ctx workflow.Context, input RebuildInput) (*RebuildOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: maxRetries + 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var files []string
	if err := workflow.ExecuteActivity(ctx, ListSourceFilesActivity).Get(ctx, &files); err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}

	size := input.BatchSize
	if size <= 0 {
		size = scan.DefaultBatchSize
	}

	output := &RebuildOutput{}
	for start := 0; start < len(files); start += size {
		end := min(start+size, len(files))
		var stats scan.Stats
		if err := workflow.ExecuteActivity(ctx, IndexBatchActivity, files[start:end]).Get(ctx, &stats); err != nil {
			logger.Warn("index batch failed", "first", files[start], "error", err)
			output.Errors = append(output.Errors, fmt.Sprintf("batch %d..%d: %v", start, end-1, err))
			output.Stats.Failed += end - start
			output.Stats.Files += end - start
			output.Batches++
			continue
		}
		output.Stats.Add(stats)
		output.Batches++
	}

	if input.Prune {
		if err := workflow.ExecuteActivity(ctx, PruneActivity).Get(ctx, &output.Pruned); err != nil {
			output.Errors = append(output.Errors, fmt.Sprintf("prune: %v", err))
		}
	}
	return output, nil
}
