package media

import (
	"regexp"
	"strings"
)

var (
	unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}_\-.]`)
	repeatedUnders  = regexp.MustCompile(`_+`)
)

// SanitizeFilename keeps letters, digits, dash, dot and underscore, folding
// everything else into single underscores.
func SanitizeFilename(name string) string {
	out := unsafeFileChars.ReplaceAllString(name, "_")
	out = repeatedUnders.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}
