package observability

import (
	"strings"
	"unicode"
)

// cleanField drops control characters and truncates to limit runes before a value reaches a log line
// or span attribute.
func cleanField(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(value))
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

// SanitizeRoute cleans a route pattern or raw path for logging.
func SanitizeRoute(route string) string {
	if route = cleanField(route, 180); route == "" {
		return "/"
	}
	return route
}

// SanitizeUserID bounds caller supplied identifiers (user ids, order ids, provider names).
func SanitizeUserID(id string) string {
	return cleanField(id, 64)
}
