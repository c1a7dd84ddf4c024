package objects

import (
	"regexp"
	"strconv"
	"strings"
)

// headerPattern matches a declaration header such as `table 50100 "Item"`.
// Longer keywords come first so that "tableextension" is not read as "table".
var headerPattern = regexp.MustCompile(`(?im)^(?:\x{FEFF})?[ \t]*` +
	`(tableextension|table|pageextension|page|reportextension|report|codeunit|query|xmlport|enumextension|enum|profile|interface)` +
	`[ \t]+(\d+)[ \t]+(?:"([^"\r\n]+)"|'([^'\r\n]+)')`)

// Identify returns the identity declared by the first valid header line in
// text. Headers whose number does not fit an int are passed over. The boolean
// is false when no line matches; callers skip such files.
func Identify(text string) (Identity, bool) {
	for _, m := range headerPattern.FindAllStringSubmatch(text, -1) {
		id, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		name := m[3]
		if name == "" {
			name = m[4]
		}
		return Identity{Type: strings.ToLower(m[1]), ID: id, Name: name}, true
	}
	return Identity{}, false
}
