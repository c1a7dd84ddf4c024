// Package scan rebuilds the object index from the working files on disk.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/observability"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
)

// ErrRebuildInProgress is returned when Rebuild is called while another
// rebuild is still running.
var ErrRebuildInProgress = errors.New("index rebuild already in progress")

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 8
)

// Options controls which files a Walker visits.
type Options struct {
	// Roots are walked in order; the first is normally the base path.
	Roots       []string
	Extensions  []string
	Exclude     []string
	BatchSize   int
	Concurrency int
}

// Stats summarises a rebuild or a batch. Duplicates counts files that
// declare an identity an earlier file in the same run already declared.
type Stats struct {
	Files      int           `json:"files"`
	Indexed    int           `json:"indexed"`
	Unchanged  int           `json:"unchanged"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Files += o.Files
	s.Indexed += o.Indexed
	s.Unchanged += o.Unchanged
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Duplicates += o.Duplicates
}

// Walker feeds every working file under its roots through the engine's
// fresh-object path. It never prunes records of files that are gone.
type Walker struct {
	engine  *reconcile.Engine
	opts    Options
	logger  *slog.Logger
	running atomic.Bool
}

// New creates a walker. Zero batch size and concurrency take the defaults;
// no extensions means ".al".
func New(engine *reconcile.Engine, opts Options, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".al"}
	}
	if len(opts.Roots) == 0 && engine.BasePath() != "" {
		opts.Roots = []string{engine.BasePath()}
	}
	return &Walker{engine: engine, opts: opts, logger: logger}
}

// Running reports whether a rebuild is in progress.
func (w *Walker) Running() bool { return w.running.Load() }

// Rebuild walks every root and indexes each source file. Files are read and
// identified concurrently within a batch; index writes are applied one at a
// time. The context is checked between batches only.
func (w *Walker) Rebuild(ctx context.Context) (Stats, error) {
	if w.engine.BasePath() == "" {
		return Stats{}, reconcile.ErrNotConfigured
	}
	if !w.running.CompareAndSwap(false, true) {
		return Stats{}, ErrRebuildInProgress
	}
	defer w.running.Store(false)

	ctx, span := observability.StartRebuildSpan(ctx, w.engine.BasePath())
	defer span.End()
	start := time.Now()
	metrics := w.engine.Metrics()
	metrics.RebuildsTotal.Inc()

	files, err := w.ListFiles(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return Stats{}, err
	}
	w.logger.Info("rebuilding object index", "root", w.engine.BasePath(), "files", len(files))

	var total Stats
	seen := make(map[string]string)
	for batch := range slices.Chunk(files, w.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			observability.RecordError(span, err)
			return total, err
		}
		total.Add(w.indexFiles(ctx, batch, seen))
	}
	total.Duration = time.Since(start)

	metrics.RebuildDuration.ObserveDuration(start)
	metrics.RebuildFilesLast.Set(float64(total.Files))
	observability.RecordRebuildResult(span, total.Files, total.Indexed, total.Skipped, total.Failed)
	w.logger.Info("object index rebuilt",
		"files", total.Files, "indexed", total.Indexed, "unchanged", total.Unchanged,
		"skipped", total.Skipped, "failed", total.Failed, "duplicates", total.Duplicates,
		"duration", total.Duration)
	return total, nil
}

// ListFiles returns the source files under every root in walk order, with
// the index directory and excluded paths left out.
func (w *Walker) ListFiles(ctx context.Context) ([]string, error) {
	var files []string
	seen := map[string]bool{}
	for _, root := range w.opts.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					w.logger.Warn("scan root does not exist", "root", root)
					return filepath.SkipDir
				}
				if path == root {
					return err
				}
				w.logger.Warn("skipping unreadable path", "path", path, "error", err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, _ := filepath.Rel(root, path)
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if d.Name() == index.DirName || (path != root && w.excluded(rel, true)) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !w.hasExtension(path) || w.excluded(rel, false) || seen[path] {
				return nil
			}
			seen[path] = true
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}

func (w *Walker) hasExtension(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range w.opts.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

// excluded matches rel against the exclude globs. A directory also counts as
// excluded when a pattern would match any entry inside it.
func (w *Walker) excluded(rel string, dir bool) bool {
	candidates := []string{rel}
	if dir {
		candidates = append(candidates, rel+"/entry")
	}
	for _, pattern := range w.opts.Exclude {
		for _, c := range candidates {
			if ok, err := doublestar.Match(pattern, c); err == nil && ok {
				return true
			}
		}
	}
	return false
}

type readResult struct {
	content string
	id      objects.Identity
	ok      bool
	err     error
}

// IndexFiles reads and identifies one batch concurrently, then applies the
// results to the index in input order. When several files in the batch
// declare the same identity, the first one is indexed.
func (w *Walker) IndexFiles(ctx context.Context, paths []string) Stats {
	return w.indexFiles(ctx, paths, make(map[string]string))
}

// indexFiles records in seen the path that claimed each identity key, so a
// later file declaring the same object cannot move the record back and forth.
func (w *Walker) indexFiles(ctx context.Context, paths []string, seen map[string]string) Stats {
	results := make([]readResult, len(paths))
	fingerprints := w.engine.Cache()

	g := new(errgroup.Group)
	g.SetLimit(w.opts.Concurrency)
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				results[i] = readResult{err: err}
				return nil
			}
			content := string(data)
			id, ok := fingerprints.Identify(path, content)
			results[i] = readResult{content: content, id: id, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Files: len(paths)}
	for i, path := range paths {
		r := results[i]
		if r.err != nil {
			stats.Failed++
			w.logger.Warn("could not read working file", "path", path, "error", r.err)
			continue
		}
		if r.ok {
			if first, dup := seen[r.id.Key()]; dup && !samePath(first, path) {
				stats.Duplicates++
				w.logger.Warn("duplicate object declaration ignored",
					"object", r.id.Key(), "path", path, "indexed_path", first)
				continue
			}
			seen[r.id.Key()] = path
		}
		out, err := w.engine.OnFileCreated(ctx, path, r.content)
		if err != nil {
			stats.Failed++
			w.logger.Warn("could not index working file", "path", path, "error", err)
			continue
		}
		switch out.Action {
		case reconcile.ActionSkipped:
			stats.Skipped++
		case reconcile.ActionUnchanged:
			stats.Unchanged++
		default:
			stats.Indexed++
		}
	}
	return stats
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
