package varycache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	// keyDelimiter separates the parts of a storage key.
	keyDelimiter = '\x1e'
	// keySubDelimiter introduces key sections and joins multi-valued parts.
	keySubDelimiter = '\x1f'
)

// KeyProvider derives storage keys from requests. BaseKey identifies the
// logical resource; the vary-key methods bind a stored VaryRules record to
// one concrete representation of it. LookupVaryKeys may return several
// candidate variant keys, which are tried in order on lookup.
type KeyProvider interface {
	BaseKey(r *http.Request) string
	LookupVaryKeys(r *http.Request, rules *VaryRules) []string
	StorageVaryKey(r *http.Request, rules *VaryRules) string
}

// keyProvider is the default KeyProvider.
type keyProvider struct {
	caseSensitivePaths bool
}

func (k keyProvider) BaseKey(r *http.Request) string {
	path := r.URL.Path
	if !k.caseSensitivePaths {
		path = strings.ToUpper(path)
	}
	return r.Method + "\n" + path
}

func (k keyProvider) LookupVaryKeys(r *http.Request, rules *VaryRules) []string {
	return []string{k.StorageVaryKey(r, rules)}
}

// StorageVaryKey builds the variant key for a request under the given
// rules. Header names and query keys are upper-folded and sorted so that
// equivalent rules produce identical keys across processes; header and
// query values are taken verbatim, joined by the sub-delimiter when
// multi-valued.
func (k keyProvider) StorageVaryKey(r *http.Request, rules *VaryRules) string {
	var b strings.Builder
	b.WriteString(k.BaseKey(r))
	b.WriteByte(keyDelimiter)
	b.WriteString(rules.KeyPrefix)

	if len(rules.Headers) > 0 {
		b.WriteByte(keySubDelimiter)
		b.WriteByte('H')
		for _, name := range sortedUpper(rules.Headers) {
			b.WriteByte(keyDelimiter)
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.Join(r.Header.Values(name), string(keySubDelimiter)))
		}
	}

	query := r.URL.Query()
	queryKeys := rules.QueryKeys
	if len(queryKeys) == 1 && queryKeys[0] == "*" {
		queryKeys = make([]string, 0, len(query))
		for key := range query {
			queryKeys = append(queryKeys, key)
		}
	}
	if len(queryKeys) > 0 {
		b.WriteByte(keySubDelimiter)
		b.WriteByte('Q')
		for _, key := range sortedUpper(queryKeys) {
			b.WriteByte(keyDelimiter)
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(strings.Join(queryValuesFold(query, key), string(keySubDelimiter)))
		}
	}
	return b.String()
}

// queryValuesFold collects the values of all query keys equal to key under
// ASCII case folding, in a deterministic order.
func queryValuesFold(query url.Values, key string) []string {
	var matched []string
	for k := range query {
		if strings.EqualFold(k, key) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)
	var values []string
	for _, k := range matched {
		values = append(values, query[k]...)
	}
	return values
}

func sortedUpper(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(v)
	}
	sort.Strings(out)
	return out
}

// normalizeStringValues upper-cases and sorts a multi-valued list so that
// equivalent lists compare equal. Single-element lists are returned as-is;
// splitting comma-joined values is the caller's business.
func normalizeStringValues(values []string) []string {
	if len(values) <= 1 {
		return values
	}
	normalized := make([]string, len(values))
	for i, v := range values {
		normalized[i] = strings.ToUpper(v)
	}
	sort.Strings(normalized)
	return normalized
}

// splitNormalizedVary splits comma-joined Vary values and returns the
// upper-cased, sorted, deduplicated header names.
func splitNormalizedVary(values []string) []string {
	var names []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, strings.ToUpper(part))
			}
		}
	}
	sort.Strings(names)
	out := names[:0]
	for i, name := range names {
		if i == 0 || name != names[i-1] {
			out = append(out, name)
		}
	}
	return out
}
