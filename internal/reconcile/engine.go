// Package reconcile keeps the object index and its reverse references
// consistent as working files are created, saved, renumbered and deleted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/cache"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/graph"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/observability"
)

var (
	// ErrNotConfigured is returned by every operation of an engine without a base path.
	ErrNotConfigured = errors.New("no index base path configured")
	// ErrPartialReconciliation wraps the reference updates that failed during a move.
	ErrPartialReconciliation = errors.New("partial reconciliation")
	// ErrNotDeleted is returned when purging an object that is still active.
	ErrNotDeleted = errors.New("object is not marked deleted")
)

// Legacy entries that stand for "no known origin" and are never moved.
var placeholderLegacyFiles = map[string]bool{"": true, "N/A": true}

// Action describes what an operation did to the index.
type Action string

const (
	ActionSkipped   Action = "skipped"
	ActionUnchanged Action = "unchanged"
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionRevived   Action = "revived"
	ActionMoved     Action = "moved"
	ActionDeleted   Action = "deleted"
)

// Outcome summarises one handled event.
type Outcome struct {
	Action   Action
	Identity objects.Identity
	// Previous is set for moves.
	Previous         *objects.Identity
	ReferencesMoved  int
	ReferencesFailed int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics the engine reports to.
func WithMetrics(m *observability.IndexMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMirror notifies m after each successful index write.
func WithMirror(m graph.Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithCache shares a fingerprint cache with other components.
func WithCache(c *cache.Fingerprints) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies file events to the index. Mutating operations are
// serialised; reads may run concurrently with them.
type Engine struct {
	basePath string
	store    *index.Store
	refs     *index.RefStore
	cache    *cache.Fingerprints
	metrics  *observability.IndexMetrics
	mirror   graph.Mirror
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	warnOnce sync.Once
}

// New creates an engine for the index under basePath. An empty basePath
// yields an inert engine whose operations return ErrNotConfigured.
func New(basePath string, opts ...Option) *Engine {
	e := &Engine{basePath: basePath}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.NewIndexMetrics()
	}
	if e.mirror == nil {
		e.mirror = graph.Nop{}
	}
	if e.cache == nil {
		e.cache = cache.New(cache.DefaultSize, cache.DefaultTTL)
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.store = index.NewStore(basePath, e.logger)
	e.refs = index.NewRefStore(basePath, e.logger)
	return e
}

// BasePath returns the configured base path.
func (e *Engine) BasePath() string { return e.basePath }

// Store exposes the index store for read-only callers.
func (e *Engine) Store() *index.Store { return e.store }

// Cache returns the engine's fingerprint cache.
func (e *Engine) Cache() *cache.Fingerprints { return e.cache }

// Metrics returns the metrics the engine reports to.
func (e *Engine) Metrics() *observability.IndexMetrics { return e.metrics }

func (e *Engine) ready() error {
	if e.basePath != "" {
		return nil
	}
	e.warnOnce.Do(func() {
		e.logger.Warn("object index disabled: no base path configured")
	})
	return ErrNotConfigured
}

// Handle dispatches ev to the matching operation.
func (e *Engine) Handle(ctx context.Context, ev FileEvent) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{Action: ActionSkipped}, err
	}
	if ev == nil {
		return Outcome{Action: ActionSkipped}, errors.New("nil file event")
	}
	ctx, span := observability.StartEventSpan(ctx, ev.Kind(), ev.EventPath())
	defer span.End()
	start := time.Now()
	defer e.metrics.ReconcileDuration.ObserveDuration(start)
	e.metrics.EventsTotal.Inc()

	var (
		out Outcome
		err error
	)
	switch ev := ev.(type) {
	case Created:
		out, err = e.OnFileCreated(ctx, ev.Path, ev.Content)
	case Saved:
		out, err = e.OnFileSaved(ctx, ev.Path, ev.NewContent, ev.PreviousContent)
	case Deleted:
		out, err = e.OnFileDeleted(ctx, ev.Path)
	default:
		err = fmt.Errorf("unsupported file event %T", ev)
	}
	if err != nil {
		e.metrics.EventErrorsTotal.Inc()
		observability.RecordError(span, err)
	}
	return out, err
}

// HandleSafely handles ev and logs any error instead of returning it, so one
// bad file never blocks the events after it.
func (e *Engine) HandleSafely(ctx context.Context, ev FileEvent) Outcome {
	if ev == nil {
		e.logger.Warn("ignoring nil file event")
		return Outcome{Action: ActionSkipped}
	}
	out, err := e.Handle(ctx, ev)
	switch {
	case err == nil:
		e.logger.Debug("file event handled", "event", ev.Kind(), "path", ev.EventPath(), "action", out.Action)
	case errors.Is(err, ErrNotConfigured):
	default:
		e.logger.Error("file event failed", "event", ev.Kind(), "path", ev.EventPath(), "error", err)
	}
	return out
}

// OnFileCreated indexes a new working file.
func (e *Engine) OnFileCreated(ctx context.Context, path, content string) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{Action: ActionSkipped}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.cache.Identify(path, content)
	if !ok {
		return e.parseMiss(path), nil
	}
	return e.fresh(ctx, path, id)
}

// OnFileSaved reconciles the index after path was saved. When the object's
// identity changed, its record and every reverse reference move with it.
func (e *Engine) OnFileSaved(ctx context.Context, path, newContent string, previousContent *string) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{Action: ActionSkipped}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	newID, ok := e.cache.Identify(path, newContent)
	if !ok {
		return e.parseMiss(path), nil
	}
	if previousContent == nil {
		return e.fresh(ctx, path, newID)
	}
	oldID, ok := objects.Identify(*previousContent)
	if !ok {
		return e.fresh(ctx, path, newID)
	}
	if oldID.Equal(newID) {
		return e.touch(ctx, path, newID)
	}
	return e.move(ctx, path, oldID, newID)
}

func (e *Engine) parseMiss(path string) Outcome {
	e.metrics.ParseMisses.Inc()
	e.logger.Debug("no object header recognised", "path", path)
	return Outcome{Action: ActionSkipped}
}

// fresh indexes id at path. A known, active object already at path with the
// same name is left untouched so that repeated scans do not rewrite it.
func (e *Engine) fresh(ctx context.Context, path string, id objects.Identity) (Outcome, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Identity: id}
	switch {
	case rec == nil:
		rec = index.NewRecord(id, path, e.now())
		out.Action = ActionCreated
	case rec.Deleted:
		rec.Deleted = false
		rec.DeletedAt = nil
		rec.ObjectName = id.Name
		rec.Touch(path, e.now())
		out.Action = ActionRevived
	case samePath(rec.OriginalPath, path) && rec.ObjectName == id.Name:
		out.Action = ActionUnchanged
		return out, nil
	default:
		rec.ObjectName = id.Name
		rec.Touch(path, e.now())
		out.Action = ActionUpdated
	}
	if err := e.store.Put(rec); err != nil {
		return Outcome{}, err
	}
	e.count(out.Action)
	e.mirrorUpsert(ctx, rec)
	return out, nil
}

// touch refreshes location and timestamp for a save that kept its identity.
// References are left as they are.
func (e *Engine) touch(ctx context.Context, path string, id objects.Identity) (Outcome, error) {
	rec, err := e.store.Get(id)
	if err != nil {
		return Outcome{}, err
	}
	if rec == nil {
		return e.fresh(ctx, path, id)
	}
	action := ActionUpdated
	if rec.Deleted {
		rec.Deleted = false
		rec.DeletedAt = nil
		action = ActionRevived
	}
	rec.ObjectName = id.Name
	rec.Touch(path, e.now())
	if err := e.store.Put(rec); err != nil {
		return Outcome{}, err
	}
	e.count(action)
	e.mirrorUpsert(ctx, rec)
	return Outcome{Action: action, Identity: id}, nil
}

// move re-keys the record for from as to. The new record is written before
// the old one is removed; reverse references are moved one legacy file at a
// time and failures are collected rather than aborting the loop.
func (e *Engine) move(ctx context.Context, path string, from, to objects.Identity) (Outcome, error) {
	old, err := e.store.Get(from)
	if err != nil {
		return Outcome{}, err
	}
	if old == nil {
		return e.fresh(ctx, path, to)
	}

	ctx, span := observability.StartReconcileSpan(ctx, from.Key(), to.Key())
	defer span.End()

	target, err := e.store.Get(to)
	if err != nil {
		observability.RecordError(span, err)
		return Outcome{}, err
	}
	var moved *index.Record
	if target != nil {
		moved = target.Clone()
		for _, f := range old.ReferencedMigrationFiles {
			moved.AddMigrationFile(f)
		}
	} else {
		moved = old.Clone()
		moved.ObjectType = to.Type
		moved.ObjectNumber = to.Number()
	}
	moved.ObjectName = to.Name
	moved.Deleted = false
	moved.DeletedAt = nil
	moved.Touch(path, e.now())

	if err := e.store.Put(moved); err != nil {
		err = fmt.Errorf("move %s to %s: %w", from.Key(), to.Key(), err)
		observability.RecordError(span, err)
		return Outcome{}, err
	}

	out := Outcome{Action: ActionMoved, Identity: to, Previous: &from}
	var errs []error
	for _, legacy := range old.ReferencedMigrationFiles {
		if placeholderLegacyFiles[legacy] {
			continue
		}
		err := e.refs.Replace(legacy, from, to)
		switch {
		case err == nil:
			out.ReferencesMoved++
			e.metrics.ReferencesMoved.Inc()
		case errors.Is(err, index.ErrUnkeyedLegacyFile):
			e.logger.Debug("legacy file has no reverse record", "legacy", legacy)
		default:
			out.ReferencesFailed++
			e.metrics.ReferenceFailures.Inc()
			e.logger.Warn("could not move reverse reference",
				"legacy", legacy, "from", from.Key(), "to", to.Key(), "error", err)
			errs = append(errs, err)
		}
	}

	if err := e.store.Remove(from); err != nil {
		e.logger.Warn("could not remove moved index record", "object", from.Key(), "error", err)
		errs = append(errs, err)
	}
	e.count(ActionMoved)
	observability.RecordReconcileResult(span, out.ReferencesMoved, out.ReferencesFailed)

	if err := e.mirror.MoveObject(ctx, from, to); err != nil {
		e.logger.Warn("graph mirror move failed", "from", from.Key(), "to", to.Key(), "error", err)
	}
	e.mirrorUpsert(ctx, moved)

	if len(errs) > 0 {
		return out, fmt.Errorf("%w: %s to %s: %w", ErrPartialReconciliation, from.Key(), to.Key(), errors.Join(errs...))
	}
	return out, nil
}

// OnFileDeleted soft-deletes the record for a vanished working file. The
// record is only marked when it still points at path; reverse references are
// kept until Purge.
func (e *Engine) OnFileDeleted(ctx context.Context, path string) (Outcome, error) {
	if err := e.ready(); err != nil {
		return Outcome{Action: ActionSkipped}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.cache.Invalidate(path)

	var rec *index.Record
	if fp, ok := e.cache.Lookup(path); ok && fp.Found {
		r, err := e.store.Get(fp.Identity)
		if err != nil {
			return Outcome{}, err
		}
		rec = r
	}
	if rec == nil || !samePath(rec.OriginalPath, path) {
		r, err := e.store.FindByPath(ctx, path)
		if err != nil {
			return Outcome{}, err
		}
		rec = r
	}
	if rec == nil || !samePath(rec.OriginalPath, path) {
		e.logger.Debug("deleted file is not indexed", "path", path)
		return Outcome{Action: ActionSkipped}, nil
	}
	id, err := rec.Identity()
	if err != nil {
		return Outcome{}, err
	}
	if rec.Deleted {
		return Outcome{Action: ActionUnchanged, Identity: id}, nil
	}
	if err := e.store.MarkDeleted(id, e.now()); err != nil {
		return Outcome{}, err
	}
	e.count(ActionDeleted)
	if err := e.mirror.MarkDeleted(ctx, id); err != nil {
		e.logger.Warn("graph mirror delete failed", "object", id.Key(), "error", err)
	}
	return Outcome{Action: ActionDeleted, Identity: id}, nil
}

// Lookup returns the record for id, or ErrNotFound.
func (e *Engine) Lookup(id objects.Identity) (*index.Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", id.Key(), index.ErrNotFound)
	}
	return rec, nil
}

// ReferencesFor lists the working objects known to derive from legacy.
func (e *Engine) ReferencesFor(legacy string) ([]index.ObjectRef, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, err := e.refs.Get(legacy)
	if err != nil {
		return nil, err
	}
	return rec.ReferencedWorkingObjects, nil
}

// NextFreeID returns the lowest unused number of objectType in [from, to].
func (e *Engine) NextFreeID(objectType string, from, to int) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if !objects.IsKnownType(objectType) {
		return 0, fmt.Errorf("unknown object type %q", objectType)
	}
	return e.store.NextFreeID(objectType, from, to)
}

// Link records that id derives from legacy in both stores. Legacy files
// outside the naming convention are kept on the record only.
func (e *Engine) Link(ctx context.Context, id objects.Identity, legacy string) error {
	return e.link(ctx, "add", id, legacy)
}

// Unlink removes the relation added by Link.
func (e *Engine) Unlink(ctx context.Context, id objects.Identity, legacy string) error {
	return e.link(ctx, "remove", id, legacy)
}

func (e *Engine) link(ctx context.Context, op string, id objects.Identity, legacy string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if placeholderLegacyFiles[legacy] {
		return fmt.Errorf("invalid legacy file %q", legacy)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := observability.StartLinkSpan(ctx, op, id.Key(), legacy)
	defer span.End()

	rec, err := e.store.Get(id)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	if rec == nil {
		err := fmt.Errorf("%s: %w", id.Key(), index.ErrNotFound)
		observability.RecordError(span, err)
		return err
	}

	var changed bool
	if op == "add" {
		changed = rec.AddMigrationFile(legacy)
	} else {
		changed = rec.RemoveMigrationFile(legacy)
	}
	if changed {
		if err := e.store.Put(rec); err != nil {
			observability.RecordError(span, err)
			return err
		}
	}

	if op == "add" {
		err = e.refs.Add(legacy, id)
	} else {
		err = e.refs.Remove(legacy, id)
	}
	if errors.Is(err, index.ErrUnkeyedLegacyFile) {
		e.logger.Warn("legacy file does not follow the naming convention; no reverse record kept", "legacy", legacy)
		err = nil
	}
	if err != nil {
		observability.RecordError(span, err)
		return err
	}

	if op == "add" {
		err = e.mirror.Link(ctx, id, legacy)
	} else {
		err = e.mirror.Unlink(ctx, id, legacy)
	}
	if err != nil {
		e.logger.Warn("graph mirror link failed", "op", op, "object", id.Key(), "legacy", legacy, "error", err)
	}
	return nil
}

// Purge removes a soft-deleted object: its reverse references first, then its
// record. The record is kept when any reference could not be removed.
func (e *Engine) Purge(ctx context.Context, id objects.Identity) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("%s: %w", id.Key(), index.ErrNotFound)
	}
	if !rec.Deleted {
		return 0, fmt.Errorf("%s: %w", id.Key(), ErrNotDeleted)
	}

	var (
		removed int
		errs    []error
	)
	for _, legacy := range rec.ReferencedMigrationFiles {
		if placeholderLegacyFiles[legacy] {
			continue
		}
		err := e.refs.Remove(legacy, id)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, index.ErrUnkeyedLegacyFile):
		default:
			errs = append(errs, err)
		}
		if err := e.mirror.Unlink(ctx, id, legacy); err != nil {
			e.logger.Warn("graph mirror unlink failed", "object", id.Key(), "legacy", legacy, "error", err)
		}
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("%w: purge %s: %w", ErrPartialReconciliation, id.Key(), errors.Join(errs...))
	}
	if err := e.store.Remove(id); err != nil {
		return removed, err
	}
	e.logger.Info("purged deleted object", "object", id.Key(), "references", removed)
	return removed, nil
}

// Prune soft-deletes every active record whose working file no longer
// exists. It is never run implicitly.
func (e *Engine) Prune(ctx context.Context) ([]objects.Identity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var stale []objects.Identity
	for rec, err := range e.store.Records(ctx) {
		if err != nil {
			return nil, err
		}
		if rec.Deleted {
			continue
		}
		if _, err := os.Stat(rec.OriginalPath); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		id, err := rec.Identity()
		if err != nil {
			e.logger.Warn("skipping record with invalid identity", "path", rec.OriginalPath, "error", err)
			continue
		}
		stale = append(stale, id)
	}

	var pruned []objects.Identity
	for _, id := range stale {
		if err := e.store.MarkDeleted(id, e.now()); err != nil {
			return pruned, err
		}
		e.count(ActionDeleted)
		if err := e.mirror.MarkDeleted(ctx, id); err != nil {
			e.logger.Warn("graph mirror delete failed", "object", id.Key(), "error", err)
		}
		pruned = append(pruned, id)
	}
	return pruned, nil
}

func (e *Engine) count(a Action) {
	switch a {
	case ActionCreated:
		e.metrics.RecordsCreated.Inc()
	case ActionUpdated, ActionRevived:
		e.metrics.RecordsUpdated.Inc()
	case ActionMoved:
		e.metrics.RecordsMoved.Inc()
	case ActionDeleted:
		e.metrics.RecordsDeleted.Inc()
	}
}

func (e *Engine) mirrorUpsert(ctx context.Context, rec *index.Record) {
	if err := e.mirror.UpsertObject(ctx, rec); err != nil {
		e.logger.Warn("graph mirror upsert failed", "path", rec.OriginalPath, "error", err)
	}
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
