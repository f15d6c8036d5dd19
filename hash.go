// Package webarchive provides the shared value types for the web-archive
// content store: SHA-256 content hashes and content references.
package webarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HashSize is the size of a SHA-256 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a SHA-256 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display and
// session document filenames.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashString computes the SHA-256 hash of a string value.
// Used by the credential scrubber to compare scalar values against
// client-submitted secret hashes.
func HashString(s string) Hash {
	return Hash(sha256.Sum256([]byte(s)))
}

// HashReader computes the SHA-256 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}
