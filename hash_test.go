package webarchive

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// SHA-256 hash of empty string
	h := HashBytes([]byte{})
	expected := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	require.Equal(t, expected, h.String())
}

func TestHashDeterminism(t *testing.T) {
	data := []byte("the same bytes hash the same")
	require.Equal(t, HashBytes(data), HashBytes(data))
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 8)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("too-short")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", 32))
	require.Error(t, err)
}

func TestHashStringMatchesBytes(t *testing.T) {
	require.Equal(t, HashBytes([]byte("pw1")), HashString("pw1"))
}

func TestHashReader(t *testing.T) {
	data := []byte("streamed content")
	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}
