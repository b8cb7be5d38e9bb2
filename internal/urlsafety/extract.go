package urlsafety

import (
	"regexp"
	"strings"
)

// urlPattern matches http/https URLs with an optional query and fragment.
// Trailing punctuation that usually ends a sentence is trimmed afterwards.
var urlPattern = regexp.MustCompile(`https?://(?:[-\w.]|%[\da-fA-F]{2})+(?::\d+)?[/\w.\-~%+@:!$&'()*,;=]*(?:\?[-\w%&=.+~/]*)?(?:#[-\w/]*)?`)

// ExtractURLs returns the URLs in text, de-duplicated, in order of first
// appearance.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)'")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
