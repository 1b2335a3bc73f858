package writer

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// CompressedWriteCloser is the codec stream wrapped around the raw file
// writer; Close flushes the codec's trailer. It keeps no byte count of
// its own: writers that need one wrap it (see countingWriter).
type CompressedWriteCloser interface {
	io.WriteCloser
}

// zstdAvailable is always true in this build (klauspost/compress/zstd
// is a pure-Go implementation with no cgo or OS dependency), but the
// factory still goes through NewCodec so a future build constrained
// to stdlib-only codecs has a single place to flip the fallback.
var zstdAvailable = true

// NewCodec wraps w with the requested compressor, downgrading zstd to
// gzip with a warning if zstd is unavailable, per spec.md §4.4 and §7.
// It returns the CompressedWriteCloser and the *effective* compression
// actually used, which may differ from requested.
func NewCodec(w io.Writer, requested Compression, level int, log *zap.Logger) (CompressedWriteCloser, Compression, error) {
	switch requested {
	case CompressionZstd:
		if !zstdAvailable {
			if log != nil {
				log.Warn("zstd codec unavailable, downgrading to gzip")
			}
			return newGzip(w, level)
		}
		return newZstd(w, level)
	case CompressionGzip:
		return newGzip(w, level)
	case CompressionNone:
		return nopWriteCloser{w}, CompressionNone, nil
	default:
		return nil, CompressionNone, fmt.Errorf("unknown compression %d", requested)
	}
}

func newZstd(w io.Writer, level int) (CompressedWriteCloser, Compression, error) {
	if level <= 0 {
		level = 3 // spec.md §4.4 default zstd level
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, CompressionNone, err
	}
	return enc, CompressionZstd, nil
}

func newGzip(w io.Writer, level int) (CompressedWriteCloser, Compression, error) {
	if level <= 0 {
		level = 1 // spec.md §4.4 default gzip level, speed-biased
	}
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, CompressionNone, err
	}
	return gw, CompressionGzip, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
