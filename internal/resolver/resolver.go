// Package resolver implements console-name resolution: translate a
// list of glob or regex patterns into a single alternation, compile it
// once, and match it against the console names known to the server.
package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dhodovsk/conman/internal/object"
)

// ErrBadRegex is returned when the combined pattern fails to compile.
// Diag holds the regex engine's own diagnostic string.
type ErrBadRegex struct {
	Diag string
}

func (e *ErrBadRegex) Error() string {
	return e.Diag
}

// TranslateGlob converts a shell-glob pattern into a regex fragment:
// '*' becomes ".*", '?' becomes ".", and every other regex
// metacharacter is escaped so it matches itself literally. This is the
// default pattern language (OPTION=REGEX switches to raw extended
// regex instead, via Resolve's useRegex argument).
func TranslateGlob(pat string) string {
	var b strings.Builder
	for _, r := range pat {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			if strings.ContainsRune(`.+()|[]{}^$\`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve matches patterns against the name of every console in
// consoles, returning the matched consoles. When useRegex is false,
// each pattern is first translated from glob syntax via TranslateGlob.
// An empty pattern list is the caller's responsibility to special-case
// (QUERY treats it as ".*"; Resolve itself has no opinion about that
// and will simply match nothing for an empty list).
//
// The patterns are joined with "|" into a single alternation and
// compiled exactly once, case-insensitively, with newline-sensitive
// anchoring ((?i)(?m)).
func Resolve(patterns []string, useRegex bool, consoles []*object.Object) ([]*object.Object, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	frags := make([]string, len(patterns))
	for i, p := range patterns {
		if useRegex {
			frags[i] = p
		} else {
			frags[i] = TranslateGlob(p)
		}
	}
	combined := "(?i)(?m)" + strings.Join(frags, "|")
	re, err := regexp.Compile(combined)
	if err != nil {
		return nil, &ErrBadRegex{Diag: fmt.Sprintf("bad regex %q: %s", combined, err.Error())}
	}

	var matches []*object.Object
	for _, c := range consoles {
		if re.MatchString(c.Name) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// SortByName sorts a slice of consoles ascending, case-insensitively,
// by name, for the QUERY response.
func SortByName(consoles []*object.Object) {
	sort.Slice(consoles, func(i, j int) bool {
		return strings.ToLower(consoles[i].Name) < strings.ToLower(consoles[j].Name)
	})
}
