package normalize

import (
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z",
	"01/02/2006",
	"January 2, 2006",
}

// cleanText collapses runs of whitespace and trims the result
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseDate coerces upstream date formats to ISO 8601 date form
func parseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// normalizeChamber maps upstream chamber spellings onto house/senate
func normalizeChamber(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "house", "house of representatives", "h", "lower", "assembly":
		return "house", true
	case "senate", "s", "upper":
		return "senate", true
	default:
		return "", false
	}
}

// oneOf reports whether v is a member of allowed, case-insensitively
func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
