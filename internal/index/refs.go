package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// ErrUnkeyedLegacyFile is returned for legacy files whose name does not follow
// the <Type><Number>_<Name>.<ext> convention; no reverse record can be derived.
var ErrUnkeyedLegacyFile = errors.New("legacy file name has no reverse-reference key")

// ObjectRef is one working object referenced from a legacy file.
type ObjectRef struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// RefFor converts an identity to its reverse-reference form.
func RefFor(id objects.Identity) ObjectRef {
	return ObjectRef{Type: id.Type, Number: id.Number()}
}

// RefRecord is the persisted form of <LegacyBaseName>.json.
type RefRecord struct {
	ReferencedWorkingObjects []ObjectRef `json:"referencedWorkingObjects"`
}

// Contains reports whether id is referenced.
func (r *RefRecord) Contains(id objects.Identity) bool {
	return slices.Contains(r.ReferencedWorkingObjects, RefFor(id))
}

func (r *RefRecord) add(id objects.Identity) bool {
	if r.Contains(id) {
		return false
	}
	r.ReferencedWorkingObjects = append(r.ReferencedWorkingObjects, RefFor(id))
	return true
}

func (r *RefRecord) remove(id objects.Identity) bool {
	ref := RefFor(id)
	before := len(r.ReferencedWorkingObjects)
	r.ReferencedWorkingObjects = slices.DeleteFunc(r.ReferencedWorkingObjects, func(o ObjectRef) bool {
		return o == ref
	})
	return len(r.ReferencedWorkingObjects) != before
}

// RefStore maintains the reverse mapping legacy file -> working objects.
type RefStore struct {
	root   string
	logger *slog.Logger
}

// NewRefStore opens the reverse-reference records under <basePath>/.index.
func NewRefStore(basePath string, logger *slog.Logger) *RefStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefStore{root: filepath.Join(basePath, DirName), logger: logger}
}

// Key derives the record file name for a legacy path: its basename with the
// extension swapped for .json.
func Key(legacy string) (string, bool) {
	name, ok := objects.ParseLegacyName(legacy)
	if !ok {
		return "", false
	}
	return name.Stem() + ".json", true
}

func (s *RefStore) path(legacy string) (string, error) {
	key, ok := Key(legacy)
	if !ok {
		return "", fmt.Errorf("%s: %w", legacy, ErrUnkeyedLegacyFile)
	}
	return filepath.Join(s.root, key), nil
}

// Get returns the reverse record for legacy. Missing, corrupt and unkeyed
// records all read as an empty set.
func (s *RefStore) Get(legacy string) (*RefRecord, error) {
	path, err := s.path(legacy)
	if err != nil {
		return &RefRecord{ReferencedWorkingObjects: []ObjectRef{}}, nil
	}
	return s.load(path)
}

func (s *RefStore) load(path string) (*RefRecord, error) {
	empty := &RefRecord{ReferencedWorkingObjects: []ObjectRef{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec RefRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("ignoring corrupt reverse-reference record", "path", path, "error", err)
		return empty, nil
	}
	if rec.ReferencedWorkingObjects == nil {
		rec.ReferencedWorkingObjects = []ObjectRef{}
	}
	return &rec, nil
}

// Add records that legacy relates to id. Adding an existing pair is a no-op.
func (s *RefStore) Add(legacy string, id objects.Identity) error {
	return s.update(legacy, func(r *RefRecord) bool { return r.add(id) })
}

// Remove drops the pair; removing an absent pair is a no-op.
func (s *RefStore) Remove(legacy string, id objects.Identity) error {
	return s.update(legacy, func(r *RefRecord) bool { return r.remove(id) })
}

// Replace swaps from for to in a single write, so the record holds either the
// old pair or the new one and never neither.
func (s *RefStore) Replace(legacy string, from, to objects.Identity) error {
	return s.update(legacy, func(r *RefRecord) bool {
		removed := r.remove(from)
		added := r.add(to)
		return removed || added
	})
}

func (s *RefStore) update(legacy string, mutate func(*RefRecord) bool) error {
	path, err := s.path(legacy)
	if err != nil {
		return err
	}
	rec, err := s.load(path)
	if err != nil {
		return err
	}
	if !mutate(rec) {
		return nil
	}
	return writeJSON(path, rec)
}
