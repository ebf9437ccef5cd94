package stagerunner

import (
	"fmt"
	"sort"
	"strings"
)

// renderFrontMatter writes a YAML front-matter block the way the
// teacher's release-note generator stamps metadata ahead of its
// markdown body, adapted here to carry job/stage identity on each
// artifact instead of a blog post's title/tags.
func renderFrontMatter(m map[string]any) string {
	var b strings.Builder
	b.WriteString("---\n")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			b.WriteString(fmt.Sprintf("%s: %q\n", k, v))
		case []string:
			b.WriteString(fmt.Sprintf("%s:\n", k))
			for _, item := range v {
				b.WriteString(fmt.Sprintf("  - %q\n", item))
			}
		default:
			b.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}
	b.WriteString("---\n")
	return b.String()
}

// firstLine returns the first non-blank line of s, used to pull a
// one-line summary out of a multi-paragraph completion response.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
