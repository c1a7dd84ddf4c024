// Package watch turns file system notifications into reconcile file events.
// It stands in for an editor host: it remembers the last content it saw for
// each working file so saves carry their previous content.
package watch

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
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
)

// DefaultDebounce is how long the watcher waits for a burst of notifications
// to settle before emitting events.
const DefaultDebounce = 200 * time.Millisecond

// Handler consumes file events. *reconcile.Engine satisfies it.
type Handler interface {
	HandleSafely(ctx context.Context, ev reconcile.FileEvent) reconcile.Outcome
}

// Options filters which files produce events.
type Options struct {
	Extensions []string
	Exclude    []string
	Debounce   time.Duration
}

// Watcher delivers events for one or more directory trees to a Handler, one
// at a time and in path order per debounce window.
type Watcher struct {
	fsw     *fsnotify.Watcher
	handler Handler
	opts    Options
	logger  *slog.Logger
	roots   []string

	// Owned by the Run loop after Add returns.
	snapshots map[string]string
	pending   map[string]bool
}

// New creates a watcher. Call Add for each root, then Run.
func New(handler Handler, opts Options, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".al"}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		fsw:       fsw,
		handler:   handler,
		opts:      opts,
		logger:    logger,
		snapshots: map[string]string{},
		pending:   map[string]bool{},
	}, nil
}

// Add watches every directory under root and records the current content of
// its source files without emitting events. It must not be called once Run
// has started.
func (w *Watcher) Add(root string) error {
	root = filepath.Clean(root)
	w.roots = append(w.roots, root)
	return w.addTree(root, false)
}

func (w *Watcher) addTree(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if d.Name() == index.DirName || (path != dir && w.excluded(path, true)) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if !w.tracked(path) {
			return nil
		}
		if emit {
			w.pending[path] = true
			return nil
		}
		if data, err := os.ReadFile(path); err == nil {
			w.snapshots[path] = string(data)
		}
		return nil
	})
}

// Run processes notifications until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.note(ev) {
				timer.Reset(w.opts.Debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// note records a raw notification and reports whether anything is pending.
func (w *Watcher) note(ev fsnotify.Event) bool {
	path := filepath.Clean(ev.Name)
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if filepath.Base(path) == index.DirName || w.excluded(path, true) {
				return false
			}
			// Files may land in a new directory before its watch exists.
			if err := w.addTree(path, true); err != nil {
				w.logger.Warn("could not watch new directory", "path", path, "error", err)
			}
			return len(w.pending) > 0
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	if !w.tracked(path) {
		return false
	}
	w.pending[path] = true
	return true
}

// flush turns pending paths into events, comparing each file with its
// snapshot.
func (w *Watcher) flush(ctx context.Context) {
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	slices.Sort(paths)

	for _, path := range paths {
		prev, known := w.snapshots[path]
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if !known {
				continue
			}
			delete(w.snapshots, path)
			w.handler.HandleSafely(ctx, reconcile.Deleted{Path: path})
		case err != nil:
			w.logger.Warn("could not read changed file", "path", path, "error", err)
		default:
			content := string(data)
			w.snapshots[path] = content
			if !known {
				w.handler.HandleSafely(ctx, reconcile.Created{Path: path, Content: content})
				continue
			}
			if content == prev {
				continue
			}
			w.handler.HandleSafely(ctx, reconcile.Saved{Path: path, NewContent: content, PreviousContent: &prev})
		}
	}
}

func (w *Watcher) tracked(path string) bool {
	ext := filepath.Ext(path)
	if !slices.ContainsFunc(w.opts.Extensions, func(want string) bool { return strings.EqualFold(ext, want) }) {
		return false
	}
	if strings.Contains(filepath.ToSlash(path), "/"+index.DirName+"/") {
		return false
	}
	return !w.excluded(path, false)
}

func (w *Watcher) excluded(path string, dir bool) bool {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
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
	}
	return false
}
