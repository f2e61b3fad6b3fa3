package varycache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Serialized entries start with one tag byte identifying the shape of the
// JSON payload that follows.
const (
	entryTagResponse  = 'R'
	entryTagVaryRules = 'V'
)

// VaryRules is the indirection record stored under a base key. It names
// the request headers and query string keys that select between stored
// representations of one resource, plus the unique prefix embedded in the
// variant keys derived from it.
type VaryRules struct {
	KeyPrefix string   `json:"keyPrefix"`
	Headers   []string `json:"headers,omitempty"`
	QueryKeys []string `json:"queryKeys,omitempty"`
}

// matches reports whether the already normalized header and query key sets
// equal the stored ones.
func (v *VaryRules) matches(headers, queryKeys []string) bool {
	return equalStrings(v.Headers, headers) && equalStrings(v.QueryKeys, queryKeys)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cachedResponse is a stored snapshot of an upstream response. The header
// map is detached from any live response; once stored, the entry is never
// mutated, only replaced.
type cachedResponse struct {
	Created    time.Time      `json:"created"`
	StatusCode int            `json:"statusCode"`
	Header     http.Header    `json:"header"`
	Body       *segmentedBody `json:"body,omitempty"`
}

// segmentedBody holds a response body as an ordered list of byte segments.
// The sum of the segment lengths equals Length. A body can be replayed any
// number of times, concurrently, through independent readers.
type segmentedBody struct {
	Segments [][]byte `json:"segments"`
	Length   int64    `json:"length"`
}

// reader returns a fresh, independent reader over the body.
func (b *segmentedBody) reader() io.Reader {
	readers := make([]io.Reader, len(b.Segments))
	for i, segment := range b.Segments {
		readers[i] = bytes.NewReader(segment)
	}
	return io.MultiReader(readers...)
}

// writeTo copies the body to w without consuming it.
func (b *segmentedBody) writeTo(w io.Writer) (int64, error) {
	var written int64
	for _, segment := range b.Segments {
		n, err := w.Write(segment)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// encodeEntry serializes a cache entry as one tag byte followed by JSON.
func encodeEntry(entry any) ([]byte, error) {
	var tag byte
	switch entry.(type) {
	case *cachedResponse:
		tag = entryTagResponse
	case *VaryRules:
		tag = entryTagVaryRules
	default:
		return nil, fmt.Errorf("varycache: cannot encode entry of type %T", entry)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, tag)
	return append(out, payload...), nil
}

// decodeEntry deserializes a stored entry, dispatching on the tag byte.
// It returns either a *cachedResponse or a *VaryRules.
func decodeEntry(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("varycache: empty cache entry")
	}
	switch data[0] {
	case entryTagResponse:
		var res cachedResponse
		if err := json.Unmarshal(data[1:], &res); err != nil {
			return nil, err
		}
		return &res, nil
	case entryTagVaryRules:
		var rules VaryRules
		if err := json.Unmarshal(data[1:], &rules); err != nil {
			return nil, err
		}
		return &rules, nil
	default:
		return nil, fmt.Errorf("varycache: unknown cache entry tag %q", data[0])
	}
}
