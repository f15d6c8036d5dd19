// Package codec provides the fixed zstd compression codec used for all
// stored content objects.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Extension is the file extension for compressed content objects.
const Extension = ".zst"

// Codec compresses and decompresses content object payloads with a
// fixed mid-level setting (zstd level 3). Safe for concurrent use: the
// underlying encoder and decoder are stateless for EncodeAll/DecodeAll.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a Codec. The level is fixed so that identical plaintext
// always maps to the same on-disk representation across the corpus.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Compress returns the compressed form of data.
func (c *Codec) Compress(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress returns the original bytes for compressed data.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing content: %w", err)
	}
	return out, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
