// Package sink serializes batches to rotated, compressed output parts in
// JSONL, CSV, or Parquet form.
package sink

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/logging"
)

// Default compression levels bias for throughput over ratio.
const (
	DefaultZstdLevel = 3
	DefaultGzipLevel = 1
)

// CompressedWriter is a write stream whose Close flushes codec trailers.
type CompressedWriter interface {
	io.Writer
	Close() error
}

// zstdAvailable models the codec capability lookup done at startup. Tests
// flip it to exercise the downgrade path.
var zstdAvailable = true

// SetZstdAvailable overrides codec availability; it returns the previous
// value so tests can restore it.
func SetZstdAvailable(ok bool) bool {
	prev := zstdAvailable
	zstdAvailable = ok
	return prev
}

// ResolveCompression reconciles the requested compression with the codecs
// actually available. zstd silently degrades to gzip with a warning;
// unknown values are a configuration error.
func ResolveCompression(requested string) (string, error) {
	switch requested {
	case config.CompressionZstd:
		if !zstdAvailable {
			logging.Component("sink").Warn("zstd backend unavailable, falling back to gzip")
			return config.CompressionGzip, nil
		}
		return config.CompressionZstd, nil
	case config.CompressionGzip, config.CompressionNone:
		return requested, nil
	default:
		return "", fmt.Errorf("%w: %q", config.ErrUnknownCompression, requested)
	}
}

// NewCompressedWriter wraps w in the effective codec. level 0 selects the
// codec default.
func NewCompressedWriter(w io.Writer, kind string, level int) (CompressedWriter, error) {
	switch kind {
	case config.CompressionZstd:
		if level == 0 {
			level = DefaultZstdLevel
		}
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return zw, nil
	case config.CompressionGzip:
		if level == 0 {
			level = DefaultGzipLevel
		}
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("create gzip encoder: %w", err)
		}
		return gw, nil
	case config.CompressionNone:
		return nopCompressor{w}, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownCompression, kind)
	}
}

// CompressionExt returns the filename suffix for the effective compression.
func CompressionExt(kind string) string {
	switch kind {
	case config.CompressionZstd:
		return ".zst"
	case config.CompressionGzip:
		return ".gz"
	default:
		return ""
	}
}

type nopCompressor struct {
	io.Writer
}

func (nopCompressor) Close() error { return nil }
