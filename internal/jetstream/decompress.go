package jetstream

import (
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrFrameTooLarge is returned when a frame would decompress past the
// configured maximum message size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum decompressed size")

// Decompressor inflates zstd frames produced by Jetstream's compress mode.
// It is used from the single receive goroutine only.
type Decompressor struct {
	dec     *zstd.Decoder
	maxSize int
}

// NewDecompressor builds a decoder primed with the given dictionary. A nil
// dictionary decodes plain zstd frames.
func NewDecompressor(dict []byte, maxSize int) (*Decompressor, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max decompressed size must be positive, got %d", maxSize)
	}

	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}

	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Decompressor{dec: dec, maxSize: maxSize}, nil
}

// LoadDictionary reads a zstd dictionary from disk.
func LoadDictionary(path string) ([]byte, error) {
	dict, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zstd dictionary: %w", err)
	}
	if len(dict) == 0 {
		return nil, fmt.Errorf("zstd dictionary %s is empty", path)
	}
	return dict, nil
}

// Decompress inflates a single frame.
func (d *Decompressor) Decompress(frame []byte) ([]byte, error) {
	out, err := d.dec.DecodeAll(frame, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrFrameTooLarge
		}
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	if len(out) > d.maxSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// Close releases the decoder.
func (d *Decompressor) Close() {
	d.dec.Close()
}
