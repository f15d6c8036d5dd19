// Package metadb provides durable metadata storage for the archive
// using bbolt: content records, session pointers, and the URL reverse
// index. It is the sole durable owner of content accounting; the
// existence filter and hot cache are projections rebuilt from it.
package metadb

import "time"

// ContentRecord is the accounting record for one distinct scrubbed byte
// sequence. Exactly one record exists per content hash; the reference
// count equals the number of request/response fields pointing at it.
type ContentRecord struct {
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	CompressedSize int64     `json:"compressed_size"`
	MediaType      string    `json:"media_type,omitempty"`
	RefCount       int       `json:"ref_count"`
	CreatedAt      time.Time `json:"created_at"`

	// Deletable marks the record eligible for the explicit sweep.
	// Set only by compaction once RefCount has been zero past the
	// grace window; never set during ingestion.
	Deletable bool `json:"deletable,omitempty"`
}

// SessionEntry is the durable pointer record for one capture session.
type SessionEntry struct {
	ID          string    `json:"id"`
	PageURL     string    `json:"page_url"`
	Date        string    `json:"date"` // YYYY-MM-DD, directory placement
	CreatedAt   time.Time `json:"created_at"`
	LastAppend  time.Time `json:"last_append"`
	Documents   []string  `json:"documents"` // backend keys of index documents
	RecordCount int       `json:"record_count"`
	Sealed      bool      `json:"sealed,omitempty"`
}

// StatsSnapshot summarizes the durable state for the statistics surface.
type StatsSnapshot struct {
	Sessions         int64   `json:"sessions"`
	ContentObjects   int64   `json:"content_objects"`
	TotalBytes       int64   `json:"total_bytes"`
	CompressedBytes  int64   `json:"compressed_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}
