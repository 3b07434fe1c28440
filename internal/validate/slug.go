package validate

import (
	"regexp"
	"strings"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts an arbitrary display name into a branch-safe slug:
// lowercase alphanumeric runs joined by single hyphens, at most maxLen
// characters, no leading or trailing hyphens. Returns "task" for input
// that slugifies to nothing so callers always get a usable component.
func Slugify(s string, maxLen int) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxLen {
		slug = strings.Trim(slug[:maxLen], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}
