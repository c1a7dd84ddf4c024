package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkflowIDPrefix prefixes rebuild workflow IDs; one rebuild per base path
// runs at a time.
const WorkflowIDPrefix = "alindex-rebuild-"

// StartWorker creates and starts a Temporal worker.
func StartWorker(c client.Client, taskQueue string) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(RebuildWorkflow)
	w.RegisterActivity(ListSourceFilesActivity)
	w.RegisterActivity(IndexBatchActivity)
	w.RegisterActivity(PruneActivity)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// StartRebuild submits a RebuildWorkflow for basePath and waits for its result.
func StartRebuild(ctx context.Context, c client.Client, taskQueue, basePath string, input RebuildInput) (*RebuildOutput, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowIDPrefix + basePath,
		TaskQueue: taskQueue,
	}, RebuildWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("starting rebuild workflow: %w", err)
	}
	var out RebuildOutput
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("rebuild workflow %s: %w", run.GetID(), err)
	}
	return &out, nil
}
