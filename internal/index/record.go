package index

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// Record is the persisted form of info.json for one working object.
type Record struct {
	OriginalPath             string     `json:"originalPath"`
	FileName                 string     `json:"fileName"`
	ObjectType               string     `json:"objectType"`
	ObjectNumber             string     `json:"objectNumber"`
	ObjectName               string     `json:"objectName,omitempty"`
	IndexedAt                time.Time  `json:"indexedAt"`
	LastUpdated              *time.Time `json:"lastUpdated,omitempty"`
	Deleted                  bool       `json:"deleted,omitempty"`
	DeletedAt                *time.Time `json:"deletedAt,omitempty"`
	ReferencedMigrationFiles []string   `json:"referencedMigrationFiles"`
}

// NewRecord creates a record for a freshly indexed working file.
func NewRecord(id objects.Identity, path string, now time.Time) *Record {
	return &Record{
		OriginalPath:             path,
		FileName:                 filepath.Base(path),
		ObjectType:               id.Type,
		ObjectNumber:             id.Number(),
		ObjectName:               id.Name,
		IndexedAt:                now.UTC(),
		ReferencedMigrationFiles: []string{},
	}
}

// Identity decodes the record's key fields.
func (r *Record) Identity() (objects.Identity, error) {
	n, err := strconv.Atoi(r.ObjectNumber)
	if err != nil {
		return objects.Identity{}, fmt.Errorf("record %s/%s: invalid object number: %w", r.ObjectType, r.ObjectNumber, err)
	}
	return objects.Identity{Type: r.ObjectType, ID: n, Name: r.ObjectName}, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.ReferencedMigrationFiles = slices.Clone(r.ReferencedMigrationFiles)
	if c.ReferencedMigrationFiles == nil {
		c.ReferencedMigrationFiles = []string{}
	}
	if r.LastUpdated != nil {
		t := *r.LastUpdated
		c.LastUpdated = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Touch moves the record to path and stamps lastUpdated.
func (r *Record) Touch(path string, now time.Time) {
	r.OriginalPath = path
	r.FileName = filepath.Base(path)
	t := now.UTC()
	r.LastUpdated = &t
}

// HasMigrationFile reports whether legacy is already referenced.
func (r *Record) HasMigrationFile(legacy string) bool {
	return slices.Contains(r.ReferencedMigrationFiles, legacy)
}

// AddMigrationFile appends legacy unless present and reports whether it changed.
func (r *Record) AddMigrationFile(legacy string) bool {
	if r.HasMigrationFile(legacy) {
		return false
	}
	r.ReferencedMigrationFiles = append(r.ReferencedMigrationFiles, legacy)
	return true
}

// RemoveMigrationFile drops legacy and reports whether it changed.
func (r *Record) RemoveMigrationFile(legacy string) bool {
	i := slices.Index(r.ReferencedMigrationFiles, legacy)
	if i < 0 {
		return false
	}
	r.ReferencedMigrationFiles = slices.Delete(r.ReferencedMigrationFiles, i, i+1)
	return true
}
