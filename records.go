package webarchive

// RequestRecord is the structural record of one captured request and,
// when observed, its paired response. Bodies are not embedded: they are
// stored content-addressed and referenced by hash.
type RequestRecord struct {
	RequestID string            `json:"request_id"`
	Timestamp int64             `json:"timestamp"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"request_headers,omitempty"`
	BodyRef   ContentRef        `json:"request_body_hash,omitempty"`
	BodySize  int64             `json:"request_body_size,omitempty"`
	Response  *ResponseRecord   `json:"response,omitempty"`
}

// ResponseRecord is the structural record of one captured response.
type ResponseRecord struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyRef    ContentRef        `json:"body_hash,omitempty"`
	BodySize   int64             `json:"body_size,omitempty"`
	BodyType   string            `json:"body_type,omitempty"`
}

// PageIndex is one session index document: the requests observed during
// part of a page load, written as a single JSON file under the
// session's date-partitioned directory.
type PageIndex struct {
	SessionID    string          `json:"session_id"`
	PageURL      string          `json:"page_url"`
	Timestamp    int64           `json:"timestamp"`
	NavigationID string          `json:"navigation_id"`
	Requests     []RequestRecord `json:"requests"`
}
