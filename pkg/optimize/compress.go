package optimize

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-metrics"
	"github.com/klauspost/compress/zstd"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const DefaultCompressionThreshold = 1024

var ErrDecompress = errors.New("optimize: cannot decompress payload")

var (
	MetricCompressedBytesIn  = []string{"noodlenet", "optimize", "compress", "in", "bytes"}
	MetricCompressedBytesOut = []string{"noodlenet", "optimize", "compress", "out", "bytes"}
)

// Compressor zstd-compresses envelope payloads above a size threshold.
// It is safe for concurrent use.
type Compressor struct {
	threshold int
	maxSize   int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	msink     metrics.MetricSink
}

// NewCompressor compresses payloads of threshold bytes or more, and refuses
// to inflate payloads above maxSize bytes. A threshold of zero means
// DefaultCompressionThreshold, a negative one disables compression.
func NewCompressor(threshold, maxSize int, ms metrics.MetricSink) (*Compressor, error) {
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}
	if maxSize <= 0 {
		maxSize = wire.DefaultMaxFrameSize
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("optimize: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("optimize: zstd decoder: %w", err)
	}

	return &Compressor{
		threshold: threshold,
		maxSize:   maxSize,
		enc:       enc,
		dec:       dec,
		msink:     mesh.Sink(ms),
	}, nil
}

// Compress replaces the payload of env by its compressed form when it is
// large enough and compression actually saves space.
func (c *Compressor) Compress(env *wire.Envelope) bool {
	if c.threshold < 0 || env.Compression != wire.CompressionNone || len(env.Payload) < c.threshold {
		return false
	}
	out := c.enc.EncodeAll(env.Payload, make([]byte, 0, len(env.Payload)/2))
	if len(out) >= len(env.Payload) {
		return false
	}

	c.msink.IncrCounter(MetricCompressedBytesIn, float32(len(env.Payload)))
	c.msink.IncrCounter(MetricCompressedBytesOut, float32(len(out)))
	env.Payload = out
	env.Compression = wire.CompressionZstd
	return true
}

// Decompress restores the original payload of env.
func (c *Compressor) Decompress(env *wire.Envelope) error {
	switch env.Compression {
	case wire.CompressionNone:
		return nil
	case wire.CompressionZstd:
		out, err := c.dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDecompress, err)
		}
		if len(out) > c.maxSize {
			return fmt.Errorf("%w: %d bytes exceed %d", ErrDecompress, len(out), c.maxSize)
		}
		env.Payload = out
		env.Compression = wire.CompressionNone
		return nil
	default:
		return fmt.Errorf("%w: unknown compression %d", ErrDecompress, env.Compression)
	}
}

func (c *Compressor) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
