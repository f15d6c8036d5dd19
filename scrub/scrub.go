// Package scrub removes credential values from captured traffic before
// it is hashed or stored. The scrubber never sees plaintext secrets:
// the capture client supplies sha256 hashes of the values to redact,
// and any scalar whose hash matches is replaced with a fixed marker.
package scrub

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RedactionMarker replaces every matched credential value. It is fixed
// so that two payloads differing only in which secret they carried
// still deduplicate to the same bytes.
const RedactionMarker = "[REDACTED]"

// hashPrefix is stripped from client-supplied hashes during
// normalization.
const hashPrefix = "sha256:"

// Scrubber matches scalar values against a set of credential hashes.
// A Scrubber is immutable after construction and safe for concurrent
// use.
type Scrubber struct {
	hashes map[string]struct{}
}

// New creates a scrubber from sha256 hex hashes of credential values.
// Hashes are normalized: lowercased, with an optional "sha256:" prefix
// removed. Entries that are not 64 hex characters after normalization
// are dropped.
func New(credentialHashes []string) *Scrubber {
	s := &Scrubber{hashes: make(map[string]struct{}, len(credentialHashes))}
	for _, h := range credentialHashes {
		h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), hashPrefix))
		if !isHexHash(h) {
			continue
		}
		s.hashes[h] = struct{}{}
	}
	return s
}

// Empty reports whether the scrubber has no credential hashes and will
// pass everything through untouched.
func (s *Scrubber) Empty() bool {
	return len(s.hashes) == 0
}

// matches reports whether the sha256 of the value is a known
// credential hash.
func (s *Scrubber) matches(value string) bool {
	if len(s.hashes) == 0 || value == "" {
		return false
	}
	sum := sha256.Sum256([]byte(value))
	_, ok := s.hashes[hex.EncodeToString(sum[:])]
	return ok
}

// String scrubs a single scalar value. Returns the marker and true when
// the value matched a credential hash.
func (s *Scrubber) String(value string) (string, bool) {
	if s.matches(value) {
		return RedactionMarker, true
	}
	return value, false
}

// Body scrubs a payload body, returning the scrubbed bytes and the
// number of redactions applied. Structured formats are walked
// structurally: JSON documents recursively (including string values
// that themselves parse as JSON), then form-encoded bodies, then a
// token scan over other UTF-8 text. Binary payloads pass through
// unchanged; the caller decides whether that warrants a log line.
// Body never fails.
func (s *Scrubber) Body(body []byte) ([]byte, int) {
	if len(s.hashes) == 0 || len(body) == 0 {
		return body, 0
	}

	if out, n, ok := s.scrubJSON(body); ok {
		return out, n
	}
	if out, n, ok := s.scrubForm(body); ok {
		return out, n
	}
	if utf8.Valid(body) {
		out, n := s.scrubTokens(string(body))
		return []byte(out), n
	}
	return body, 0
}

// URL scrubs query parameter values in a URL string. Malformed URLs
// fall back to the token scan.
func (s *Scrubber) URL(raw string) (string, int) {
	if len(s.hashes) == 0 || raw == "" {
		return raw, 0
	}

	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return s.scrubTokens(raw)
	}

	q := u.Query()
	redacted := 0
	for key, values := range q {
		for i, v := range values {
			if s.matches(v) {
				values[i] = RedactionMarker
				redacted++
			}
		}
		q[key] = values
	}
	if redacted == 0 {
		return raw, 0
	}
	u.RawQuery = q.Encode()
	return u.String(), redacted
}

// Headers scrubs header values in place, returning the redaction count.
func (s *Scrubber) Headers(headers map[string]string) int {
	if len(s.hashes) == 0 {
		return 0
	}

	redacted := 0
	for key, value := range headers {
		out, n := s.scrubTokens(value)
		if n > 0 {
			headers[key] = out
			redacted += n
		}
	}
	return redacted
}

// scrubJSON parses the body as JSON and walks it recursively. The third
// return reports whether the body was JSON at all.
func (s *Scrubber) scrubJSON(body []byte) ([]byte, int, bool) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, 0, false
	}
	// Reject payloads like "123abc" where a prefix parses as JSON.
	if dec.More() {
		return nil, 0, false
	}

	scrubbed, n := s.scrubValue(doc)
	if n == 0 {
		return body, 0, true
	}

	out, err := json.Marshal(scrubbed)
	if err != nil {
		// Shouldn't happen for values produced by Unmarshal.
		return body, 0, true
	}
	return out, n, true
}

// scrubValue walks one decoded JSON value.
func (s *Scrubber) scrubValue(v any) (any, int) {
	switch val := v.(type) {
	case string:
		if s.matches(val) {
			return RedactionMarker, 1
		}
		// Strings that carry embedded JSON (common in captured
		// traffic) are scrubbed structurally too.
		if looksLikeJSON(val) {
			if out, n, ok := s.scrubJSON([]byte(val)); ok && n > 0 {
				return string(out), n
			}
		}
		return val, 0
	case map[string]any:
		total := 0
		for key, elem := range val {
			scrubbed, n := s.scrubValue(elem)
			if n > 0 {
				val[key] = scrubbed
				total += n
			}
		}
		return val, total
	case []any:
		total := 0
		for i, elem := range val {
			scrubbed, n := s.scrubValue(elem)
			if n > 0 {
				val[i] = scrubbed
				total += n
			}
		}
		return val, total
	case json.Number:
		if s.matches(val.String()) {
			return RedactionMarker, 1
		}
		return val, 0
	default:
		return val, 0
	}
}

// scrubForm treats the body as application/x-www-form-urlencoded. The
// third return reports whether the body parsed as a form.
func (s *Scrubber) scrubForm(body []byte) ([]byte, int, bool) {
	text := string(body)
	if !utf8.ValidString(text) || !strings.ContainsRune(text, '=') {
		return nil, 0, false
	}

	values, err := url.ParseQuery(text)
	if err != nil {
		return nil, 0, false
	}

	redacted := 0
	for key, vals := range values {
		for i, v := range vals {
			if s.matches(v) {
				vals[i] = RedactionMarker
				redacted++
			}
		}
		values[key] = vals
	}
	if redacted == 0 {
		return body, 0, true
	}
	return []byte(values.Encode()), redacted, true
}

// scrubTokens scans free-form text and redacts any maximal run of
// non-separator characters whose hash matches.
func (s *Scrubber) scrubTokens(text string) (string, int) {
	var (
		b        strings.Builder
		token    strings.Builder
		redacted int
	)

	flush := func() {
		if token.Len() == 0 {
			return
		}
		if s.matches(token.String()) {
			b.WriteString(RedactionMarker)
			redacted++
		} else {
			b.WriteString(token.String())
		}
		token.Reset()
	}

	for _, r := range text {
		if unicode.IsSpace(r) || isSeparator(r) {
			flush()
			b.WriteRune(r)
			continue
		}
		token.WriteRune(r)
	}
	flush()

	if redacted == 0 {
		return text, 0
	}
	return b.String(), redacted
}

func isSeparator(r rune) bool {
	switch r {
	case '"', '\'', ',', ';', '&', '=', '<', '>', '(', ')', '[', ']', '{', '}':
		return true
	}
	return false
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && (s[0] == '{' || s[0] == '[')
}

func isHexHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
