package webarchive

import (
	"fmt"
	"strings"
)

// RefPrefix is the algorithm prefix carried on the wire for body hashes.
const RefPrefix = "sha256"

// ContentRef is a content-addressed reference to a stored body in the
// canonical wire form "sha256:<64-hex-chars>".
type ContentRef struct {
	Hash Hash
}

// NewContentRef creates a ContentRef for the given hash.
func NewContentRef(h Hash) ContentRef {
	return ContentRef{Hash: h}
}

// ParseContentRef parses a content reference string in the form
// "sha256:hex". A plain hex string without a prefix is also accepted.
func ParseContentRef(s string) (ContentRef, error) {
	if s == "" {
		return ContentRef{}, fmt.Errorf("empty content ref")
	}

	alg, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = alg
	} else if strings.ToLower(alg) != RefPrefix {
		return ContentRef{}, fmt.Errorf("unsupported algorithm %q in content ref %q", alg, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return ContentRef{}, fmt.Errorf("invalid hash in content ref %q: %w", s, err)
	}
	return ContentRef{Hash: h}, nil
}

// String returns the canonical wire form "sha256:hex".
func (r ContentRef) String() string {
	return RefPrefix + ":" + r.Hash.String()
}

// Hex returns the plain hex digest without the algorithm prefix.
func (r ContentRef) Hex() string {
	return r.Hash.String()
}

// IsZero reports whether the ref is unset.
func (r ContentRef) IsZero() bool {
	return r.Hash.IsZero()
}

// MarshalText implements encoding.TextMarshaler. The zero ref marshals
// to an empty value so records without a body serialize cleanly.
func (r ContentRef) MarshalText() ([]byte, error) {
	if r.IsZero() {
		return nil, nil
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty value
// unmarshals to the zero ref (a record with no body).
func (r *ContentRef) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = ContentRef{}
		return nil
	}
	parsed, err := ParseContentRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Content object storage key layout.

const (
	contentKeyPrefix = "content"

	// ContentExtension is the fixed file extension for compressed objects.
	ContentExtension = ".zst"
)

// ContentStorageKey returns the backend storage key for a content object.
// The hash is split into the first two and next two hex characters to
// form two directory levels, bounding each directory to 256 children.
// Format: content/{hex[0:2]}/{hex[2:4]}/{hex}.zst
func ContentStorageKey(h Hash) string {
	hex := h.String()
	return contentKeyPrefix + "/" + hex[:2] + "/" + hex[2:4] + "/" + hex + ContentExtension
}

// ParseContentStorageKey extracts a Hash from a backend storage key.
func ParseContentStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != contentKeyPrefix {
		return Hash{}, fmt.Errorf("invalid content key format: %s", key)
	}
	name := strings.TrimSuffix(parts[3], ContentExtension)
	return ParseHash(name)
}
