package reconcile

// FileEvent is one change reported by the editor host or the file watcher.
// The set of implementations is closed: Created, Saved and Deleted.
type FileEvent interface {
	EventPath() string
	Kind() string
	fileEvent()
}

// Created reports a new working file and its first content.
type Created struct {
	Path    string
	Content string
}

// Saved reports new content for a tracked file. PreviousContent is nil when
// the content before the save is unknown.
type Saved struct {
	Path            string
	NewContent      string
	PreviousContent *string
}

// Deleted reports that a working file vanished.
type Deleted struct {
	Path string
}

func (e Created) EventPath() string { return e.Path }
func (e Saved) EventPath() string   { return e.Path }
func (e Deleted) EventPath() string { return e.Path }

func (Created) Kind() string { return "created" }
func (Saved) Kind() string   { return "saved" }
func (Deleted) Kind() string { return "deleted" }

func (Created) fileEvent() {}
func (Saved) fileEvent()   {}
func (Deleted) fileEvent() {}
