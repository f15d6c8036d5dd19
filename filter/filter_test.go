package filter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	webarchive "github.com/wolfeidau/web-archive"
)

func TestFilterAddTest(t *testing.T) {
	f := New(0, 0)

	h := webarchive.HashBytes([]byte("abc"))
	require.False(t, f.Test(h))

	f.Add(h)
	require.True(t, f.Test(h))
	require.Equal(t, uint64(1), f.Items())
}

func TestFilterDuplicateAddNotCounted(t *testing.T) {
	f := New(0, 0)

	h := webarchive.HashBytes([]byte("same"))
	f.Add(h)
	f.Add(h)
	f.Add(h)

	// Re-adding a present hash must not inflate the occupancy estimate,
	// or rebuilds would trigger early.
	require.Equal(t, uint64(1), f.Items())
	require.True(t, f.Test(h))
}

func TestFilterSupersetProperty(t *testing.T) {
	f := New(0, 0)

	// Every added hash must test possibly-present.
	for i := range 10_000 {
		h := webarchive.HashBytes(fmt.Appendf(nil, "body-%d", i))
		f.Add(h)
		require.True(t, f.Test(h))
	}
	for i := range 10_000 {
		h := webarchive.HashBytes(fmt.Appendf(nil, "body-%d", i))
		require.True(t, f.Test(h))
	}
}

func TestFilterOccupancy(t *testing.T) {
	f := New(0, 0)
	require.Zero(t, f.Occupancy())
	require.False(t, f.NeedsRebuild(0))

	for i := range 1000 {
		f.Add(webarchive.HashBytes(fmt.Appendf(nil, "h-%d", i)))
	}
	require.InDelta(t, 0.001, f.Occupancy(), 0.0001)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := New(0, 0)
	hashes := make([]webarchive.Hash, 100)
	for i := range hashes {
		hashes[i] = webarchive.HashBytes(fmt.Appendf(nil, "snap-%d", i))
		f.Add(hashes[i])
	}

	var buf bytes.Buffer
	require.NoError(t, f.WriteSnapshot(&buf))

	loaded, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, f.Items(), loaded.Items())

	for _, h := range hashes {
		require.True(t, loaded.Test(h))
	}
}

func TestReadSnapshotRejectsCorruption(t *testing.T) {
	f := New(0, 0)
	f.Add(webarchive.HashBytes([]byte("x")))

	var buf bytes.Buffer
	require.NoError(t, f.WriteSnapshot(&buf))

	data := buf.Bytes()
	// Flip a bit in the bloom payload.
	data[len(data)-40] ^= 0x01

	_, err := ReadSnapshot(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestReadSnapshotRejectsBadMagic(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("NOPEnope")))
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existence-filter.bin")

	f := New(0, 0)
	h := webarchive.HashBytes([]byte("persisted"))
	f.Add(h)

	require.NoError(t, f.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.True(t, loaded.Test(h))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

type sliceSource []webarchive.Hash

func (s sliceSource) ContentCount(ctx context.Context) (int64, error) {
	return int64(len(s)), nil
}

func (s sliceSource) ForEachContentHash(ctx context.Context, fn func(webarchive.Hash) error) error {
	for _, h := range s {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuild(t *testing.T) {
	src := sliceSource{
		webarchive.HashBytes([]byte("one")),
		webarchive.HashBytes([]byte("two")),
		webarchive.HashBytes([]byte("three")),
	}

	f, err := Rebuild(context.Background(), src, 0, nil)
	require.NoError(t, err)

	for _, h := range src {
		require.True(t, f.Test(h))
	}
	require.Equal(t, uint64(len(src)), f.Items())
}

func TestActiveSwap(t *testing.T) {
	old := New(0, 0)
	h := webarchive.HashBytes([]byte("swapped"))
	old.Add(h)

	a := NewActive(old)
	require.True(t, a.Test(h))

	fresh := New(0, 0)
	a.Swap(fresh)
	require.False(t, a.Test(h))
	require.Same(t, fresh, a.Current())
}
