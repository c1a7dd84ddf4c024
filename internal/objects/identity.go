// Package objects identifies AL working objects from their declaration header
// and names legacy migration files.
package objects

import (
	"fmt"
	"strconv"
	"strings"
)

// Object type tags, lowercased as they appear in the index.
const (
	TypeTable           = "table"
	TypeTableExtension  = "tableextension"
	TypePage            = "page"
	TypePageExtension   = "pageextension"
	TypeReport          = "report"
	TypeReportExtension = "reportextension"
	TypeCodeunit        = "codeunit"
	TypeQuery           = "query"
	TypeXMLPort         = "xmlport"
	TypeEnum            = "enum"
	TypeEnumExtension   = "enumextension"
	TypeProfile         = "profile"
	TypeInterface       = "interface"
)

var knownTypes = []string{
	TypeTable, TypeTableExtension,
	TypePage, TypePageExtension,
	TypeReport, TypeReportExtension,
	TypeCodeunit, TypeQuery, TypeXMLPort,
	TypeEnum, TypeEnumExtension,
	TypeProfile, TypeInterface,
}

// Types returns the closed set of recognised object types.
func Types() []string {
	out := make([]string, len(knownTypes))
	copy(out, knownTypes)
	return out
}

// IsKnownType reports whether t (any case) is a recognised object type.
func IsKnownType(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	for _, k := range knownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Identity names a working object. Two identities are the same object when
// their type and ID match; Name is informational.
type Identity struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// NewIdentity builds an identity with a normalised type tag.
func NewIdentity(objectType string, id int, name string) Identity {
	return Identity{Type: strings.ToLower(strings.TrimSpace(objectType)), ID: id, Name: name}
}

// ParseIdentity parses a type and a decimal number, e.g. ("Table", "50100").
func ParseIdentity(objectType, number string) (Identity, error) {
	if !IsKnownType(objectType) {
		return Identity{}, fmt.Errorf("unknown object type %q", objectType)
	}
	id, err := strconv.Atoi(strings.TrimSpace(number))
	if err != nil || id < 0 {
		return Identity{}, fmt.Errorf("invalid object number %q", number)
	}
	return NewIdentity(objectType, id, ""), nil
}

// Equal compares type and ID only.
func (i Identity) Equal(other Identity) bool {
	return i.Type == other.Type && i.ID == other.ID
}

// Number returns the ID in its on-disk string form.
func (i Identity) Number() string { return strconv.Itoa(i.ID) }

// Key is the index-relative key "<type>/<id>".
func (i Identity) Key() string { return i.Type + "/" + i.Number() }

func (i Identity) String() string {
	if i.Name == "" {
		return i.Type + " " + i.Number()
	}
	return fmt.Sprintf("%s %d %q", i.Type, i.ID, i.Name)
}
