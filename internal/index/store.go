// Package index persists per-object records and their reverse references
// under <base>/.index.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// DirName is the index directory created under the base path.
const DirName = ".index"

const recordFileName = "info.json"

var (
	// ErrNotFound is returned when an operation needs a record that does not exist.
	ErrNotFound = errors.New("index record not found")
	// ErrNoFreeID is returned when a number range is exhausted.
	ErrNoFreeID = errors.New("no free object number in range")
)

// Store reads and writes IndexRecords keyed by (objectType, objectId).
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore opens the index rooted at <basePath>/.index. The directory is
// created lazily on the first write.
func NewStore(basePath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: filepath.Join(basePath, DirName), logger: logger}
}

// Root returns the .index directory.
func (s *Store) Root() string { return s.root }

func (s *Store) recordPath(id objects.Identity) string {
	return filepath.Join(s.root, id.Type, id.Number(), recordFileName)
}

// Get returns the record for id, or nil when it is missing or unreadable as
// JSON. Only I/O failures other than "not exist" are returned as errors.
func (s *Store) Get(id objects.Identity) (*Record, error) {
	path := s.recordPath(id)
	rec, err := readRecord(path)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case errors.Is(err, errCorrupt):
		s.logger.Warn("ignoring corrupt index record", "path", path, "error", err)
		return nil, nil
	default:
		return nil, err
	}
}

var errCorrupt = errors.New("corrupt record")

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCorrupt, path, err)
	}
	if rec.ReferencedMigrationFiles == nil {
		rec.ReferencedMigrationFiles = []string{}
	}
	return &rec, nil
}

// Put writes rec at the key derived from its type and number, replacing any
// existing record.
func (s *Store) Put(rec *Record) error {
	if rec == nil {
		return errors.New("put: nil record")
	}
	id, err := rec.Identity()
	if err != nil {
		return err
	}
	if !objects.IsKnownType(id.Type) {
		return fmt.Errorf("put: unknown object type %q", id.Type)
	}
	if rec.ReferencedMigrationFiles == nil {
		rec.ReferencedMigrationFiles = []string{}
	}
	return writeJSON(s.recordPath(id), rec)
}

// Remove deletes the record for id and prunes the directories it leaves empty.
// Pruning failures are logged only.
func (s *Store) Remove(id objects.Identity) error {
	path := s.recordPath(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := pruneEmptyDirs(filepath.Dir(path), s.root); err != nil {
		s.logger.Warn("could not prune index directories", "path", filepath.Dir(path), "error", err)
	}
	return nil
}

// MarkDeleted soft-deletes the record for id.
func (s *Store) MarkDeleted(id objects.Identity, at time.Time) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("mark deleted %s: %w", id.Key(), ErrNotFound)
	}
	t := at.UTC()
	rec.Deleted = true
	rec.DeletedAt = &t
	return s.Put(rec)
}

// Records lazily walks every info.json under the index. Corrupt records are
// skipped with a warning; I/O errors are yielded and iteration continues.
func (s *Store) Records(ctx context.Context) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		typeDirs, err := os.ReadDir(s.root)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(nil, fmt.Errorf("read %s: %w", s.root, err))
			}
			return
		}
		for _, td := range typeDirs {
			if !td.IsDir() {
				continue
			}
			typeDir := filepath.Join(s.root, td.Name())
			idDirs, err := os.ReadDir(typeDir)
			if err != nil {
				if !yield(nil, fmt.Errorf("read %s: %w", typeDir, err)) {
					return
				}
				continue
			}
			for _, idd := range idDirs {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if !idd.IsDir() {
					continue
				}
				path := filepath.Join(typeDir, idd.Name(), recordFileName)
				rec, err := readRecord(path)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					if errors.Is(err, errCorrupt) {
						s.logger.Warn("skipping corrupt index record", "path", path, "error", err)
						continue
					}
				}
				if !yield(rec, err) {
					return
				}
			}
		}
	}
}

// FindByPath returns the first record whose originalPath equals path.
func (s *Store) FindByPath(ctx context.Context, path string) (*Record, error) {
	for rec, err := range s.Records(ctx) {
		if err != nil {
			return nil, err
		}
		if samePath(rec.OriginalPath, path) {
			return rec, nil
		}
	}
	return nil, nil
}

// NextFreeID returns the lowest number in [from, to] that has no record of
// the given type. Soft-deleted records still occupy their number.
func (s *Store) NextFreeID(objectType string, from, to int) (int, error) {
	if from > to {
		return 0, fmt.Errorf("invalid range %d..%d", from, to)
	}
	used := map[int]bool{}
	dir := filepath.Join(s.root, objectType)
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), recordFileName)); err == nil {
			used[n] = true
		}
	}
	for n := from; n <= to; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s %d..%d: %w", objectType, from, to, ErrNoFreeID)
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
