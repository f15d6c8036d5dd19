package archive

import (
	"errors"
	"fmt"

	webarchive "github.com/wolfeidau/web-archive"
)

// ErrIngestIO marks a unit-scoped storage failure. The unit committed
// nothing and the caller may retry it.
var ErrIngestIO = errors.New("ingest i/o failure")

// ErrIndexFailure marks the durable metadata index as unavailable or
// corrupt. Fatal for the engine instance; not recovered locally.
var ErrIndexFailure = errors.New("metadata index failure")

// ErrNotFound is returned when a content reference resolves to nothing.
var ErrNotFound = errors.New("content not found")

// IntegrityError reports stored bytes that no longer hash to their
// claimed digest. The object is quarantined and never served.
type IntegrityError struct {
	Ref      webarchive.ContentRef
	Computed webarchive.Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure for %s: stored bytes hash to %s", e.Ref, e.Computed.ShortString())
}

// MalformedEntryError reports a single structurally invalid entry in a
// batch. The entry is skipped; the rest of the batch proceeds.
type MalformedEntryError struct {
	ID     string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed entry %q: %s", e.ID, e.Reason)
}
