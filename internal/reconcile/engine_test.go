package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mirrorCall struct {
	op   string
	args string
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []mirrorCall
}

func (m *fakeMirror) record(op, args string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{op, args})
	return nil
}

func (m *fakeMirror) UpsertObject(_ context.Context, rec *index.Record) error {
	return m.record("upsert", rec.ObjectType+"/"+rec.ObjectNumber)
}
func (m *fakeMirror) MoveObject(_ context.Context, from, to objects.Identity) error {
	return m.record("move", from.Key()+"->"+to.Key())
}
func (m *fakeMirror) MarkDeleted(_ context.Context, id objects.Identity) error {
	return m.record("delete", id.Key())
}
func (m *fakeMirror) Link(_ context.Context, id objects.Identity, legacy string) error {
	return m.record("link", id.Key()+"->"+legacy)
}
func (m *fakeMirror) Unlink(_ context.Context, id objects.Identity, legacy string) error {
	return m.record("unlink", id.Key()+"->"+legacy)
}
func (m *fakeMirror) Close(context.Context) error { return nil }

func (m *fakeMirror) ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []string
	for _, c := range m.calls {
		ops = append(ops, c.op+" "+c.args)
	}
	return ops
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) (*Engine, string, *fakeMirror) {
	t.Helper()
	base := t.TempDir()
	m := &fakeMirror{}
	e := New(base,
		WithLogger(quietLogger()),
		WithMirror(m),
		WithClock(func() time.Time { return testNow }),
	)
	return e, base, m
}

func header(objType string, id int, name string) string {
	return fmt.Sprintf("%s %d \"%s\"\n{\n}\n", objType, id, name)
}

func ident(objType string, id int) objects.Identity {
	return objects.Identity{Type: objType, ID: id}
}

func ptr(s string) *string { return &s }

func TestOnFileCreated_FreshObject(t *testing.T) {
	e, base, m := newEngine(t)
	path := filepath.Join(base, "src", "Table50100_Item.al")

	out, err := e.OnFileCreated(context.Background(), path, header("table", 50100, "Item"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	rec, err := e.Lookup(ident("table", 50100))
	require.NoError(t, err)
	assert.Equal(t, []string{}, rec.ReferencedMigrationFiles)
	assert.Equal(t, path, rec.OriginalPath)
	assert.Equal(t, "Table50100_Item.al", rec.FileName)
	assert.Equal(t, "Item", rec.ObjectName)
	assert.Equal(t, testNow, rec.IndexedAt)
	assert.Nil(t, rec.LastUpdated)
	assert.Equal(t, []string{"upsert table/50100"}, m.ops())
}

func TestOnFileCreated_ParseMiss(t *testing.T) {
	e, base, _ := newEngine(t)

	out, err := e.OnFileCreated(context.Background(), filepath.Join(base, "a.al"), "// nothing yet\n")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Equal(t, float64(1), e.Metrics().ParseMisses.Value())

	_, err = os.Stat(filepath.Join(base, index.DirName))
	assert.True(t, os.IsNotExist(err), "parse miss must not create the index")
}

func TestRescanUnchangedDoesNotWrite(t *testing.T) {
	e, base, _ := newEngine(t)
	path := filepath.Join(base, "Table50100_Item.al")
	content := header("table", 50100, "Item")
	ctx := context.Background()

	_, err := e.OnFileCreated(ctx, path, content)
	require.NoError(t, err)
	infoPath := filepath.Join(base, index.DirName, "table", "50100", "info.json")
	before, err := os.ReadFile(infoPath)
	require.NoError(t, err)

	e.now = func() time.Time { return testNow.Add(time.Hour) }
	out, err := e.OnFileSaved(ctx, path, content, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionUnchanged, out.Action)

	after, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRescanMovedFileKeepsReferences(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	id := ident("table", 50100)

	_, err := e.OnFileCreated(ctx, filepath.Join(base, "old", "Item.al"), header("table", 50100, "Item"))
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, id, "Table18_Item.txt"))

	later := testNow.Add(time.Minute)
	e.now = func() time.Time { return later }
	newPath := filepath.Join(base, "new", "Item.al")
	out, err := e.OnFileCreated(ctx, newPath, header("table", 50100, "Item"))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)

	rec, err := e.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, newPath, rec.OriginalPath)
	assert.Equal(t, []string{"Table18_Item.txt"}, rec.ReferencedMigrationFiles)
	require.NotNil(t, rec.LastUpdated)
	assert.Equal(t, later, *rec.LastUpdated)
	assert.Equal(t, testNow, rec.IndexedAt)
}

func TestSameIdentitySaveLeavesReferences(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	id := ident("codeunit", 50200)
	path := filepath.Join(base, "Codeunit50200_Posting.al")
	v1 := header("codeunit", 50200, "Posting")

	_, err := e.OnFileCreated(ctx, path, v1)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, id, "Codeunit80_SalesPost.txt"))

	refPath := filepath.Join(base, index.DirName, "Codeunit80_SalesPost.json")
	refBefore, err := os.ReadFile(refPath)
	require.NoError(t, err)

	v2 := v1 + "// trigger added\n"
	out, err := e.OnFileSaved(ctx, path, v2, ptr(v1))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, out.Action)

	rec, err := e.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Codeunit80_SalesPost.txt"}, rec.ReferencedMigrationFiles)
	require.NotNil(t, rec.LastUpdated)

	refAfter, err := os.ReadFile(refPath)
	require.NoError(t, err)
	assert.Equal(t, string(refBefore), string(refAfter))
}

func TestRenumberMovesRecordAndReferences(t *testing.T) {
	e, base, m := newEngine(t)
	ctx := context.Background()
	path := filepath.Join(base, "Table50100_Item.al")
	from, to := ident("table", 50100), ident("table", 50101)
	prev := header("table", 50100, "Item")

	_, err := e.OnFileCreated(ctx, path, prev)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, from, "Table18_Item.txt"))

	out, err := e.OnFileSaved(ctx, path, header("table", 50101, "Item"), ptr(prev))
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, out.Action)
	require.NotNil(t, out.Previous)
	assert.True(t, out.Previous.Equal(from))
	assert.Equal(t, 1, out.ReferencesMoved)

	rec, err := e.Lookup(to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Table18_Item.txt"}, rec.ReferencedMigrationFiles)
	assert.Equal(t, "50101", rec.ObjectNumber)

	_, err = e.Lookup(from)
	assert.ErrorIs(t, err, index.ErrNotFound)
	_, err = os.Stat(filepath.Join(base, index.DirName, "table", "50100"))
	assert.True(t, os.IsNotExist(err), "old record directory should be pruned")

	refs, err := e.ReferencesFor("Table18_Item.txt")
	require.NoError(t, err)
	assert.Contains(t, refs, index.ObjectRef{Type: "table", Number: "50101"})
	assert.NotContains(t, refs, index.ObjectRef{Type: "table", Number: "50100"})

	assert.Contains(t, m.ops(), "move table/50100->table/50101")
}

func TestRenumberPreservesReferenceOrder(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	path := filepath.Join(base, "Page50100_Card.al")
	from, to := ident("page", 50100), ident("pageextension", 50100)
	prev := header("page", 50100, "Card")

	_, err := e.OnFileCreated(ctx, path, prev)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, from, "Page30_ItemCard.txt"))
	require.NoError(t, e.Link(ctx, from, "Page31_ItemList.txt"))

	_, err = e.OnFileSaved(ctx, path, header("pageextension", 50100, "Card"), ptr(prev))
	require.NoError(t, err)

	rec, err := e.Lookup(to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Page30_ItemCard.txt", "Page31_ItemList.txt"}, rec.ReferencedMigrationFiles)
	for _, legacy := range rec.ReferencedMigrationFiles {
		refs, err := e.ReferencesFor(legacy)
		require.NoError(t, err)
		assert.Equal(t, []index.ObjectRef{{Type: "pageextension", Number: "50100"}}, refs, legacy)
	}
}

func TestRenumberSkipsPlaceholders(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	from, to := ident("table", 50100), ident("table", 50105)

	old := index.NewRecord(from, filepath.Join(base, "t.al"), testNow)
	old.ReferencedMigrationFiles = []string{"N/A", "Table18_Item.txt", ""}
	require.NoError(t, e.Store().Put(old))

	out, err := e.OnFileSaved(ctx, filepath.Join(base, "t.al"), header("table", 50105, "Item"), ptr(header("table", 50100, "Item")))
	require.NoError(t, err)
	assert.Equal(t, 1, out.ReferencesMoved)

	rec, err := e.Lookup(to)
	require.NoError(t, err)
	assert.Equal(t, []string{"N/A", "Table18_Item.txt", ""}, rec.ReferencedMigrationFiles)
}

func TestRenumberOntoExistingRecordMerges(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	from, to := ident("table", 50100), ident("table", 50101)

	_, err := e.OnFileCreated(ctx, filepath.Join(base, "a.al"), header("table", 50100, "Item"))
	require.NoError(t, err)
	_, err = e.OnFileCreated(ctx, filepath.Join(base, "b.al"), header("table", 50101, "Item"))
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, from, "Table18_Item.txt"))
	require.NoError(t, e.Link(ctx, to, "Table27_Item.txt"))
	require.NoError(t, e.Link(ctx, from, "Table27_Item.txt"))

	_, err = e.OnFileSaved(ctx, filepath.Join(base, "a.al"), header("table", 50101, "Item"), ptr(header("table", 50100, "Item")))
	require.NoError(t, err)

	rec, err := e.Lookup(to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Table27_Item.txt", "Table18_Item.txt"}, rec.ReferencedMigrationFiles)

	refs, err := e.ReferencesFor("Table27_Item.txt")
	require.NoError(t, err)
	assert.Equal(t, []index.ObjectRef{{Type: "table", Number: "50101"}}, refs)
}

func TestRenumberWithoutOldRecordCreatesFresh(t *testing.T) {
	e, base, _ := newEngine(t)

	out, err := e.OnFileSaved(context.Background(), filepath.Join(base, "x.al"),
		header("query", 50300, "Sales"), ptr(header("query", 50299, "Sales")))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	rec, err := e.Lookup(ident("query", 50300))
	require.NoError(t, err)
	assert.Equal(t, []string{}, rec.ReferencedMigrationFiles)
}

func TestUnparseablePreviousContentFallsBackToFresh(t *testing.T) {
	e, base, _ := newEngine(t)

	out, err := e.OnFileSaved(context.Background(), filepath.Join(base, "x.al"),
		header("enum", 50400, "Status"), ptr("enum 50"))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
}

func TestRenumberContinuesPastReferenceFailure(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	path := filepath.Join(base, "Table50100_Item.al")
	from, to := ident("table", 50100), ident("table", 50101)
	prev := header("table", 50100, "Item")

	_, err := e.OnFileCreated(ctx, path, prev)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, from, "Table18_Item.txt"))
	require.NoError(t, e.Link(ctx, from, "Table27_Item.txt"))

	// A directory where the first reverse record should be makes it unreadable.
	broken := filepath.Join(base, index.DirName, "Table18_Item.json")
	require.NoError(t, os.Remove(broken))
	require.NoError(t, os.Mkdir(broken, 0o755))

	out, err := e.OnFileSaved(ctx, path, header("table", 50101, "Item"), ptr(prev))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialReconciliation)
	assert.Equal(t, ActionMoved, out.Action)
	assert.Equal(t, 1, out.ReferencesMoved)
	assert.Equal(t, 1, out.ReferencesFailed)
	assert.Equal(t, float64(1), e.Metrics().ReferenceFailures.Value())

	rec, err := e.Lookup(to)
	require.NoError(t, err)
	assert.Equal(t, []string{"Table18_Item.txt", "Table27_Item.txt"}, rec.ReferencedMigrationFiles)
	_, err = e.Lookup(from)
	assert.ErrorIs(t, err, index.ErrNotFound)

	refs, err := e.ReferencesFor("Table27_Item.txt")
	require.NoError(t, err)
	assert.Equal(t, []index.ObjectRef{{Type: "table", Number: "50101"}}, refs)
}

func TestRenumberAbortsWhenNewRecordCannotBeWritten(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	path := filepath.Join(base, "Table50100_Item.al")
	from := ident("table", 50100)
	prev := header("table", 50100, "Item")

	_, err := e.OnFileCreated(ctx, path, prev)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, from, "Table18_Item.txt"))

	// A plain file where the new record's directory belongs.
	require.NoError(t, os.WriteFile(filepath.Join(base, index.DirName, "table", "50101"), []byte("x"), 0o644))

	_, err = e.OnFileSaved(ctx, path, header("table", 50101, "Item"), ptr(prev))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialReconciliation)

	rec, err := e.Lookup(from)
	require.NoError(t, err)
	assert.Equal(t, []string{"Table18_Item.txt"}, rec.ReferencedMigrationFiles)

	refs, err := e.ReferencesFor("Table18_Item.txt")
	require.NoError(t, err)
	assert.Equal(t, []index.ObjectRef{{Type: "table", Number: "50100"}}, refs)
}

func TestCorruptRecordIsOverwritten(t *testing.T) {
	e, base, _ := newEngine(t)
	id := ident("table", 50100)
	dir := filepath.Join(base, index.DirName, "table", "50100")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info.json"), []byte("{not json"), 0o644))

	_, err := e.Lookup(id)
	assert.ErrorIs(t, err, index.ErrNotFound)

	out, err := e.OnFileSaved(context.Background(), filepath.Join(base, "Table50100_Item.al"), header("table", 50100, "Item"), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)

	rec, err := e.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "50100", rec.ObjectNumber)
}

func TestOnFileDeleted(t *testing.T) {
	ctx := context.Background()

	t.Run("via cache", func(t *testing.T) {
		e, base, m := newEngine(t)
		path := filepath.Join(base, "Report50500_Sales.al")
		_, err := e.OnFileCreated(ctx, path, header("report", 50500, "Sales"))
		require.NoError(t, err)
		require.NoError(t, e.Link(ctx, ident("report", 50500), "Report206_SalesInvoice.txt"))

		out, err := e.OnFileDeleted(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, ActionDeleted, out.Action)

		rec, err := e.Lookup(ident("report", 50500))
		require.NoError(t, err)
		assert.True(t, rec.Deleted)
		require.NotNil(t, rec.DeletedAt)
		assert.Equal(t, testNow, *rec.DeletedAt)

		refs, err := e.ReferencesFor("Report206_SalesInvoice.txt")
		require.NoError(t, err)
		assert.Len(t, refs, 1, "deleting keeps reverse references")
		assert.Contains(t, m.ops(), "delete report/50500")

		_, ok := e.Cache().Lookup(path)
		assert.False(t, ok)
	})

	t.Run("via index scan", func(t *testing.T) {
		e, base, _ := newEngine(t)
		path := filepath.Join(base, "x.al")
		_, err := e.OnFileCreated(ctx, path, header("xmlport", 50600, "Import"))
		require.NoError(t, err)
		e.Cache().Purge()

		out, err := e.OnFileDeleted(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, ActionDeleted, out.Action)
		assert.True(t, out.Identity.Equal(ident("xmlport", 50600)))
	})

	t.Run("unknown path", func(t *testing.T) {
		e, base, _ := newEngine(t)
		out, err := e.OnFileDeleted(ctx, filepath.Join(base, "missing.al"))
		require.NoError(t, err)
		assert.Equal(t, ActionSkipped, out.Action)
	})

	t.Run("record moved elsewhere", func(t *testing.T) {
		e, base, _ := newEngine(t)
		oldPath, newPath := filepath.Join(base, "a.al"), filepath.Join(base, "b.al")
		content := header("table", 50100, "Item")
		_, err := e.OnFileCreated(ctx, oldPath, content)
		require.NoError(t, err)
		_, err = e.OnFileCreated(ctx, newPath, content)
		require.NoError(t, err)

		out, err := e.OnFileDeleted(ctx, oldPath)
		require.NoError(t, err)
		assert.Equal(t, ActionSkipped, out.Action)

		rec, err := e.Lookup(ident("table", 50100))
		require.NoError(t, err)
		assert.False(t, rec.Deleted)
	})
}

func TestRecreateRevivesDeletedRecord(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	path := filepath.Join(base, "Enum50700_Kind.al")
	content := header("enum", 50700, "Kind")
	id := ident("enum", 50700)

	_, err := e.OnFileCreated(ctx, path, content)
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, id, "Table18_Item.txt"))
	_, err = e.OnFileDeleted(ctx, path)
	require.NoError(t, err)

	out, err := e.OnFileCreated(ctx, path, content)
	require.NoError(t, err)
	assert.Equal(t, ActionRevived, out.Action)

	rec, err := e.Lookup(id)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	assert.Nil(t, rec.DeletedAt)
	assert.Equal(t, []string{"Table18_Item.txt"}, rec.ReferencedMigrationFiles)
}

func TestAtMostOneActiveRecordPerIdentity(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	p1, p2 := filepath.Join(base, "one.al"), filepath.Join(base, "two.al")
	a := header("table", 50100, "Item")
	b := header("table", 50101, "Item")

	events := []FileEvent{
		Created{Path: p1, Content: a},
		Saved{Path: p1, NewContent: b, PreviousContent: ptr(a)},
		Created{Path: p2, Content: a},
		Saved{Path: p2, NewContent: b, PreviousContent: ptr(a)},
		Saved{Path: p1, NewContent: a, PreviousContent: ptr(b)},
		Deleted{Path: p2},
		Created{Path: p2, Content: b},
		Deleted{Path: p1},
	}
	for _, ev := range events {
		_, err := e.Handle(ctx, ev)
		require.NoError(t, err, "%T %s", ev, ev.EventPath())
	}

	seen := map[string]bool{}
	for rec, err := range e.Store().Records(ctx) {
		require.NoError(t, err)
		if rec.Deleted {
			continue
		}
		key := rec.ObjectType + "/" + rec.ObjectNumber
		assert.False(t, seen[key], "duplicate active record %s", key)
		seen[key] = true
	}
	assert.Equal(t, map[string]bool{"table/50101": true}, seen)
	assert.Equal(t, float64(len(events)), e.Metrics().EventsTotal.Value())
}

func TestLinkAndUnlink(t *testing.T) {
	e, base, m := newEngine(t)
	ctx := context.Background()
	id := ident("page", 50100)
	_, err := e.OnFileCreated(ctx, filepath.Join(base, "p.al"), header("page", 50100, "Card"))
	require.NoError(t, err)

	require.NoError(t, e.Link(ctx, id, "Page30_ItemCard.txt"))
	require.NoError(t, e.Link(ctx, id, "Page30_ItemCard.txt"))
	require.NoError(t, e.Link(ctx, id, "notes.txt"))

	rec, err := e.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Page30_ItemCard.txt", "notes.txt"}, rec.ReferencedMigrationFiles)
	refs, err := e.ReferencesFor("Page30_ItemCard.txt")
	require.NoError(t, err)
	assert.Equal(t, []index.ObjectRef{{Type: "page", Number: "50100"}}, refs)

	require.NoError(t, e.Unlink(ctx, id, "Page30_ItemCard.txt"))
	rec, err = e.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, rec.ReferencedMigrationFiles)
	refs, err = e.ReferencesFor("Page30_ItemCard.txt")
	require.NoError(t, err)
	assert.Empty(t, refs)

	assert.Contains(t, m.ops(), "unlink page/50100->Page30_ItemCard.txt")

	assert.ErrorIs(t, e.Link(ctx, ident("page", 1), "Page30_ItemCard.txt"), index.ErrNotFound)
	assert.Error(t, e.Link(ctx, id, "N/A"))
}

func TestPurge(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	id := ident("table", 50100)
	path := filepath.Join(base, "t.al")
	_, err := e.OnFileCreated(ctx, path, header("table", 50100, "Item"))
	require.NoError(t, err)
	require.NoError(t, e.Link(ctx, id, "Table18_Item.txt"))

	_, err = e.Purge(ctx, id)
	assert.ErrorIs(t, err, ErrNotDeleted)

	_, err = e.OnFileDeleted(ctx, path)
	require.NoError(t, err)
	n, err := e.Purge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Lookup(id)
	assert.ErrorIs(t, err, index.ErrNotFound)
	refs, err := e.ReferencesFor("Table18_Item.txt")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestPrune(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	present := filepath.Join(base, "present.al")
	require.NoError(t, os.WriteFile(present, []byte(header("table", 1, "A")), 0o644))

	_, err := e.OnFileCreated(ctx, present, header("table", 1, "A"))
	require.NoError(t, err)
	_, err = e.OnFileCreated(ctx, filepath.Join(base, "gone.al"), header("table", 2, "B"))
	require.NoError(t, err)

	pruned, err := e.Prune(ctx)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.True(t, pruned[0].Equal(ident("table", 2)))

	rec, err := e.Lookup(ident("table", 1))
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
	rec, err = e.Lookup(ident("table", 2))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}

func TestNextFreeID(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	for _, n := range []int{50100, 50101, 50103} {
		_, err := e.OnFileCreated(ctx, filepath.Join(base, fmt.Sprintf("%d.al", n)), header("codeunit", n, "C"))
		require.NoError(t, err)
	}

	n, err := e.NextFreeID("codeunit", 50100, 50199)
	require.NoError(t, err)
	assert.Equal(t, 50102, n)

	_, err = e.NextFreeID("widget", 1, 10)
	assert.Error(t, err)
}

func TestNotConfigured(t *testing.T) {
	e := New("", WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := e.OnFileCreated(ctx, "a.al", header("table", 1, "A"))
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = e.Handle(ctx, Deleted{Path: "a.al"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = e.Lookup(ident("table", 1))
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, e.Link(ctx, ident("table", 1), "Table18_Item.txt"), ErrNotConfigured)
	_, err = e.Prune(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)

	out := e.HandleSafely(ctx, Created{Path: "a.al", Content: header("table", 1, "A")})
	assert.Equal(t, ActionSkipped, out.Action)
}

func TestHandleSafelySwallowsErrors(t *testing.T) {
	e, base, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(base, index.DirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, index.DirName, "table"), []byte("x"), 0o644))

	out := e.HandleSafely(ctx, Created{Path: filepath.Join(base, "t.al"), Content: header("table", 1, "A")})
	assert.Equal(t, Action(""), out.Action)
	assert.Equal(t, float64(1), e.Metrics().EventErrorsTotal.Value())

	out = e.HandleSafely(ctx, Created{Path: filepath.Join(base, "c.al"), Content: header("codeunit", 1, "C")})
	assert.Equal(t, ActionCreated, out.Action)

	assert.NotPanics(t, func() { out = e.HandleSafely(ctx, nil) })
	assert.Equal(t, ActionSkipped, out.Action)

	inert := New("")
	assert.NotPanics(t, func() { out = inert.HandleSafely(ctx, nil) })
	assert.Equal(t, ActionSkipped, out.Action)
}
