package archive

import (
	"encoding/json"
	"net/url"
)

// EntryType discriminates batch entries.
type EntryType string

const (
	EntryRequest  EntryType = "request"
	EntryResponse EntryType = "response"
)

// Header is one captured HTTP header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BatchEntry is one captured request or response as submitted by the
// capture client. Responses are paired with their request by id: a
// response carries the request's id with a "_response" suffix.
type BatchEntry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`

	// Request fields
	RequestHeaders []Header        `json:"request_headers,omitempty"`
	RequestBody    json.RawMessage `json:"request_body,omitempty"`

	// Response fields
	StatusCode      int      `json:"status_code,omitempty"`
	ResponseHeaders []Header `json:"response_headers,omitempty"`
	ResponseBody    string   `json:"response_body,omitempty"`
}

// ArchiveBatch is the capture-client ingestion payload: a mixed list of
// request and response entries plus the sha256 hashes of credential
// values observed client-side. Raw secrets never transit the wire.
type ArchiveBatch struct {
	Entries        []BatchEntry `json:"entries"`
	PasswordHashes []string     `json:"password_hashes"`
}

// SkippedEntry reports one malformed or failed entry in a batch.
type SkippedEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult summarizes one ingested batch.
type BatchResult struct {
	Entries    int            `json:"entries"`
	Archived   int            `json:"archived"`
	NewObjects int            `json:"new_objects"`
	DupObjects int            `json:"duplicate_objects"`
	Redactions int            `json:"redactions"`
	Skipped    []SkippedEntry `json:"skipped,omitempty"`
}

// Stats is the statistics surface for the engine.
type Stats struct {
	Sessions         int64   `json:"sessions"`
	ContentObjects   int64   `json:"content_objects"`
	TotalBytes       int64   `json:"total_bytes"`
	CompressedBytes  int64   `json:"compressed_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
	CacheEntries     int     `json:"cache_entries"`
	FilterItems      uint64  `json:"filter_items"`
	FilterOccupancy  float64 `json:"filter_occupancy"`
}

// SessionIDFromURL derives a session grouping key from a captured URL.
// The host is used; unparseable URLs fall into the default session.
func SessionIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "default"
	}
	return u.Host
}

// headersToMap converts wire headers to a map, last value winning.
func headersToMap(headers []Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Name] = h.Value
	}
	return out
}
