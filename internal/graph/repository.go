// Package graph mirrors the object index into a graph database so that
// cross-references between working objects and legacy files can be queried.
// The file-based index stays authoritative; the mirror is best-effort.
package graph

import (
	"context"
	"path/filepath"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// Mirror receives index changes after they have been written to disk.
type Mirror interface {
	// UpsertObject creates or refreshes an object node and its DERIVED_FROM edges.
	UpsertObject(ctx context.Context, rec *index.Record) error
	// MoveObject re-homes the edges of from onto to and drops the from node.
	MoveObject(ctx context.Context, from, to objects.Identity) error
	// MarkDeleted flags an object node as soft-deleted.
	MarkDeleted(ctx context.Context, id objects.Identity) error
	// Link adds a DERIVED_FROM edge from id to a legacy file.
	Link(ctx context.Context, id objects.Identity, legacy string) error
	// Unlink removes that edge.
	Unlink(ctx context.Context, id objects.Identity, legacy string) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// LegacyKey names a legacy file node: its reverse-reference key when the
// file follows the naming convention, otherwise its basename.
func LegacyKey(legacy string) string {
	if key, ok := index.Key(legacy); ok {
		return key
	}
	return filepath.Base(legacy)
}

// Nop discards every change.
type Nop struct{}

func (Nop) UpsertObject(context.Context, *index.Record) error                    { return nil }
func (Nop) MoveObject(context.Context, objects.Identity, objects.Identity) error { return nil }
func (Nop) MarkDeleted(context.Context, objects.Identity) error                  { return nil }
func (Nop) Link(context.Context, objects.Identity, string) error                 { return nil }
func (Nop) Unlink(context.Context, objects.Identity, string) error               { return nil }
func (Nop) Close(context.Context) error                                          { return nil }

var _ Mirror = Nop{}
