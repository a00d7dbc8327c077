package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

// jsonlWriter appends newline-delimited JSON. Readers usually hand it
// pre-assembled byte buffers, so the hot path is chunked copying.
type jsonlWriter struct {
	core *rotatingCore
	cfg  Config
}

func newJSONLWriter(cfg Config, tracker Tracker) *jsonlWriter {
	if cfg.WriteChunkBytes < 1 {
		cfg.WriteChunkBytes = 8 << 20
	}
	return &jsonlWriter{core: newRotatingCore(cfg, tracker), cfg: cfg}
}

func (w *jsonlWriter) WriteMany(ctx context.Context, item queue.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var rows int64
	switch {
	case len(item.Encoded) > 0:
		// Chunked writes bound the compressor's working set.
		buf := item.Encoded
		for len(buf) > 0 {
			n := int64(len(buf))
			if n > w.cfg.WriteChunkBytes {
				n = w.cfg.WriteChunkBytes
			}
			if err := w.core.write(buf[:n]); err != nil {
				return err
			}
			buf = buf[n:]
		}
		rows = int64(item.Rows)
		if rows == 0 {
			rows = int64(bytes.Count(item.Encoded, []byte{'\n'}))
		}
	case len(item.Docs) > 0:
		for _, doc := range item.Docs {
			line, err := document.MarshalJSONLine(doc)
			if err != nil {
				return fmt.Errorf("encode document: %w", err)
			}
			if err := w.core.write(append(line, '\n')); err != nil {
				return err
			}
		}
		rows = int64(len(item.Docs))
	default:
		return nil
	}

	if err := w.core.recordProgress(rows); err != nil {
		return err
	}
	return w.core.rotateIfNeeded()
}

func (w *jsonlWriter) Close() error {
	return w.core.finalize()
}
