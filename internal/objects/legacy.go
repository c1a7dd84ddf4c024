package objects

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var legacyNamePattern = regexp.MustCompile(`^([A-Za-z]+)(\d+)_(.+)\.([^.]+)$`)

// LegacyName is the decoded form of a legacy export file name
// `<Type><Number>_<Name>.<ext>`, e.g. "Table18_Item.txt".
type LegacyName struct {
	Base   string
	Type   string
	Number int
	Name   string
	Ext    string
}

// ParseLegacyName decodes the basename of path. It reports false when the
// name does not follow the legacy naming convention.
func ParseLegacyName(path string) (LegacyName, bool) {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	m := legacyNamePattern.FindStringSubmatch(base)
	if m == nil {
		return LegacyName{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return LegacyName{}, false
	}
	return LegacyName{Base: base, Type: m[1], Number: n, Name: m[3], Ext: m[4]}, true
}

// Stem is the basename without its extension.
func (l LegacyName) Stem() string {
	return strings.TrimSuffix(l.Base, "."+l.Ext)
}
