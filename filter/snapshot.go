package filter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/willf/bloom"
	"github.com/zeebo/blake3"
)

var (
	// snapshotMagic is the 4-byte prefix for persisted filter snapshots.
	snapshotMagic = []byte("WAF1")

	// ErrInvalidSnapshot is returned when a persisted filter fails its
	// magic or checksum validation. Callers treat it as "rebuild from
	// the metadata index", never as fatal.
	ErrInvalidSnapshot = errors.New("invalid filter snapshot")
)

// maxSnapshotHeader bounds the JSON header size.
const maxSnapshotHeader = 4 * 1024

type snapshotHeader struct {
	Items    uint64  `json:"items"`
	SizedFor uint64  `json:"sized_for"`
	FPRate   float64 `json:"fp_rate"`
	BloomLen int64   `json:"bloom_len"`
}

// WriteSnapshot serializes the filter.
// Format: MAGIC | HDRLEN (uint32 BE) | HDR JSON | BLOOM BYTES | BLAKE3(BLOOM BYTES)
// The trailing checksum lets a restart distinguish a torn or corrupted
// snapshot from a valid one; an invalid snapshot forces a rebuild.
func (f *Filter) WriteSnapshot(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var bloomBuf bytes.Buffer
	if _, err := f.bloom.WriteTo(&bloomBuf); err != nil {
		return fmt.Errorf("serializing bloom filter: %w", err)
	}

	header, err := json.Marshal(snapshotHeader{
		Items:    f.items,
		SizedFor: f.sizedFor,
		FPRate:   f.fpRate,
		BloomLen: int64(bloomBuf.Len()),
	})
	if err != nil {
		return fmt.Errorf("marshaling snapshot header: %w", err)
	}

	if _, err := w.Write(snapshotMagic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(bloomBuf.Bytes()); err != nil {
		return fmt.Errorf("writing bloom bytes: %w", err)
	}

	sum := blake3.Sum256(bloomBuf.Bytes())
	if _, err := w.Write(sum[:]); err != nil {
		return fmt.Errorf("writing checksum: %w", err)
	}
	return nil
}

// ReadSnapshot deserializes a filter written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Filter, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return nil, fmt.Errorf("%w: bad magic bytes", ErrInvalidSnapshot)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %v", ErrInvalidSnapshot, err)
	}
	if headerLen > maxSnapshotHeader {
		return nil, fmt.Errorf("%w: header too large", ErrInvalidSnapshot)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalidSnapshot, err)
	}

	var header snapshotHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %v", ErrInvalidSnapshot, err)
	}

	bloomBytes := make([]byte, header.BloomLen)
	if _, err := io.ReadFull(r, bloomBytes); err != nil {
		return nil, fmt.Errorf("%w: reading bloom bytes: %v", ErrInvalidSnapshot, err)
	}

	var sum [32]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: reading checksum: %v", ErrInvalidSnapshot, err)
	}
	if blake3.Sum256(bloomBytes) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidSnapshot)
	}

	f := &Filter{
		items:    header.Items,
		sizedFor: header.SizedFor,
		fpRate:   header.FPRate,
	}
	f.bloom = &bloom.BloomFilter{}
	if _, err := f.bloom.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
		return nil, fmt.Errorf("%w: deserializing bloom filter: %v", ErrInvalidSnapshot, err)
	}
	return f, nil
}

// SaveFile atomically persists the filter to path (temp file + rename).
func (f *Filter) SaveFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-filter-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := f.WriteSnapshot(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	success = true
	return nil
}

// LoadFile reads a persisted filter. A missing file returns
// os.ErrNotExist; a corrupt file returns ErrInvalidSnapshot. Both mean
// the caller must rebuild from the metadata index before serving
// ingestion traffic.
func LoadFile(path string) (*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(f)
}
