package wal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects how batch payloads are compressed. Values are stored on
// disk.
type Codec uint8

const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
	CodecZstd   Codec = 2
)

var (
	// ErrUnknownCodec is returned for a codec byte this build cannot decode.
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when a payload fails to decompress.
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func (c Codec) valid() bool {
	return c == CodecNone || c == CodecSnappy || c == CodecZstd
}

// ParseCodec maps a codec name to its Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// compressor holds the zstd encoder and decoder, which are expensive to
// create, for the lifetime of a WAL.
type compressor struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBatchSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &compressor{enc: enc, dec: dec}, nil
}

func (c *compressor) compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecZstd:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
}

func (c *compressor) decompress(codec Codec, data []byte, rawLen int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecNone:
		out = data
	case CodecSnappy:
		var n int
		if n, err = snappy.DecodedLen(data); err == nil && n != rawLen {
			return nil, fmt.Errorf("%w: snappy length %d, want %d", ErrInvalidCompressedData, n, rawLen)
		}
		if err == nil {
			out, err = snappy.Decode(nil, data)
		}
	case CodecZstd:
		c.mu.Lock()
		out, err = c.dec.DecodeAll(data, make([]byte, 0, rawLen))
		c.mu.Unlock()
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidCompressedData, len(out), rawLen)
	}
	return out, nil
}

func (c *compressor) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}
