package varycache

import (
	"net/http"
	"strings"
	"time"
)

// httpDateLayouts lists the date forms accepted on parse, most common
// first: RFC 1123 (with and without numeric zone), RFC 850, ANSI C
// asctime, and the single-digit-day RFC 5322 variants.
var httpDateLayouts = []string{
	http.TimeFormat,
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// parseHTTPDate parses an HTTP-date in any of the accepted legacy forms.
// Surrounding whitespace is ignored and a missing zone is taken as UTC.
func parseHTTPDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// formatHTTPDate renders t as an RFC 1123 GMT date, the only form emitted.
func formatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// tryParseSeconds extracts a `directive=seconds` argument from a set of
// comma-joined header values. The directive is matched case-insensitively
// as a plain substring, spaces are allowed around the equals sign, and the
// argument is a run of ASCII digits. The first value containing the
// directive decides the outcome: a malformed argument there fails the
// whole lookup instead of scanning on.
func tryParseSeconds(values []string, directive string) (time.Duration, bool) {
	for _, value := range values {
		idx := indexFold(value, directive)
		if idx < 0 {
			continue
		}
		i := idx + len(directive)
		for i < len(value) && value[i] == ' ' {
			i++
		}
		if i >= len(value) || value[i] != '=' {
			return 0, false
		}
		i++
		for i < len(value) && value[i] == ' ' {
			i++
		}
		start := i
		var seconds int64
		for i < len(value) && value[i] >= '0' && value[i] <= '9' {
			seconds = seconds*10 + int64(value[i]-'0')
			i++
		}
		if i == start {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// headerContains reports whether any of the values contains token,
// compared case-insensitively. The match is a substring test, not a
// token-boundary one.
func headerContains(values []string, token string) bool {
	for _, value := range values {
		if indexFold(value, token) >= 0 {
			return true
		}
	}
	return false
}

// indexFold is strings.Index with ASCII case folding.
func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
