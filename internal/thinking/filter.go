// ABOUTME: Strips reasoning-trace tags from assistant output
// ABOUTME: Removes the tag markers only, preserving the enclosed text

package thinking

import (
	"regexp"
	"strings"
)

// tagPattern matches the opening and closing forms of every reasoning tag
// family emitted by upstream models, case-insensitively.
var tagPattern = regexp.MustCompile(`(?i)</?(?:think|thinking|thought|antthinking)>`)

// Strip replaces each reasoning tag with a single space and trims the
// surrounding whitespace. The enclosed text is kept; only the markers go.
// Strip(Strip(s)) == Strip(s) for all s.
func Strip(text string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(text, " "))
}
