package temporal

import (
	"context"
	"errors"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/scan"
)

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Engine *reconcile.Engine
	Walker *scan.Walker
}

var deps *Dependencies

var errNoDependencies = errors.New("temporal activities: dependencies not set")

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

// ListSourceFilesActivity returns every working file the walker would visit.
func ListSourceFilesActivity(ctx context.Context) ([]string, error) {
	if deps == nil || deps.Walker == nil {
		return nil, errNoDependencies
	}
	if deps.Engine != nil && deps.Engine.BasePath() == "" {
		return nil, reconcile.ErrNotConfigured
	}
	return deps.Walker.ListFiles(ctx)
}

// IndexBatchActivity indexes one batch of files through the fresh-object path.
func IndexBatchActivity(ctx context.Context, paths []string) (scan.Stats, error) {
	if deps == nil || deps.Walker == nil {
		return scan.Stats{}, errNoDependencies
	}
	return deps.Walker.IndexFiles(ctx, paths), nil
}

// PruneActivity soft-deletes records whose working file is gone and returns
// their keys.
func PruneActivity(ctx context.Context) ([]string, error) {
	if deps == nil || deps.Engine == nil {
		return nil, errNoDependencies
	}
	pruned, err := deps.Engine.Prune(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(pruned))
	for _, id := range pruned {
		keys = append(keys, id.Key())
	}
	return keys, nil
}
