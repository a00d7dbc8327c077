package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/metrics"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
	kindBytes
)

// parquetWriter buffers rows and writes row groups of the configured size.
// Compression is internal to the format, so it manages its own files
// instead of going through the rotating core's codec stream.
type parquetWriter struct {
	cfg     Config
	tracker Tracker
	log     *slog.Logger

	columns []string
	kinds   map[string]columnKind
	schema  *parquet.Schema

	buf []map[string]any
	seq int

	file      *os.File
	counter   *countingWriter
	pw        *parquet.GenericWriter[map[string]any]
	partIndex int
	fileRows  int64
	reported  int64
}

func newParquetWriter(cfg Config, tracker Tracker) *parquetWriter {
	if cfg.ParquetRowGroup < 1 {
		cfg.ParquetRowGroup = 10000
	}
	return &parquetWriter{
		cfg:     cfg,
		tracker: tracker,
		log:     logging.Component("writer"),
		seq:     cfg.StartSeq,
	}
}

func (w *parquetWriter) WriteMany(ctx context.Context, item queue.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(item.Docs) == 0 {
		return nil
	}

	if w.schema == nil {
		w.inferSchema(item.Docs)
	}

	for _, doc := range item.Docs {
		w.buf = append(w.buf, w.row(doc))
	}

	for len(w.buf) >= w.cfg.ParquetRowGroup {
		group := w.buf[:w.cfg.ParquetRowGroup]
		w.buf = w.buf[w.cfg.ParquetRowGroup:]
		if err := w.writeGroup(group); err != nil {
			return err
		}
	}
	return nil
}

func (w *parquetWriter) Close() error {
	for len(w.buf) > 0 {
		n := w.cfg.ParquetRowGroup
		if n > len(w.buf) {
			n = len(w.buf)
		}
		group := w.buf[:n]
		w.buf = w.buf[n:]
		if err := w.writeGroup(group); err != nil {
			return err
		}
	}
	return w.finalize()
}

// writeGroup flushes rows as one or more row groups, splitting at the
// per-file row limit so the final flush in a part never exceeds it.
func (w *parquetWriter) writeGroup(group []map[string]any) error {
	for len(group) > 0 {
		if err := w.ensureOpen(); err != nil {
			return err
		}

		n := int64(len(group))
		if w.cfg.RotateRows > 0 && w.fileRows+n > w.cfg.RotateRows {
			n = w.cfg.RotateRows - w.fileRows
		}

		if _, err := w.pw.Write(group[:n]); err != nil {
			return fmt.Errorf("write row group: %w", err)
		}
		if err := w.pw.Flush(); err != nil {
			return fmt.Errorf("flush row group: %w", err)
		}
		w.fileRows += n
		group = group[n:]

		if err := w.recordProgress(n); err != nil {
			return err
		}

		switch {
		case w.cfg.RotateRows > 0 && w.fileRows >= w.cfg.RotateRows:
			if err := w.finalize(); err != nil {
				return err
			}
		case !w.cfg.SingleFile && w.counter.n >= w.cfg.RotateBytes:
			if err := w.finalize(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *parquetWriter) ensureOpen() error {
	if w.pw != nil {
		return nil
	}

	path := PartPath(w.cfg.Dir, w.cfg.Prefix, w.cfg.Format, w.cfg.Compression, w.seq, w.cfg.SingleFile)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open part %s: %w", path, err)
	}

	index, err := w.tracker.OpenPart(path)
	if err != nil {
		file.Close()
		return err
	}

	w.file = file
	w.counter = newCountingWriter(file)
	w.pw = parquet.NewGenericWriter[map[string]any](w.counter, w.schema, parquet.Compression(w.codec()))
	w.partIndex = index
	w.fileRows = 0
	w.reported = 0
	w.seq++
	w.log.Debug("opened part", "path", path, "part", index)
	return nil
}

func (w *parquetWriter) finalize() error {
	if w.pw == nil {
		return nil
	}
	if err := w.pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close part: %w", err)
	}

	if tail := w.counter.n - w.reported; tail > 0 {
		if err := w.tracker.AddProgressToPart(w.partIndex, 0, tail); err != nil {
			return err
		}
	}
	if err := w.tracker.CompletePart(w.partIndex, w.counter.n, w.counter.Checksum()); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.IncPartsFinalized(w.cfg.Labels)
	}
	w.log.Info("finalized part", "part", w.partIndex, "rows", w.fileRows, "bytes", w.counter.n)

	w.pw = nil
	w.file = nil
	w.counter = nil
	return nil
}

func (w *parquetWriter) recordProgress(rows int64) error {
	delta := w.counter.n - w.reported
	w.reported = w.counter.n
	if err := w.tracker.AddProgressToPart(w.partIndex, rows, delta); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.AddRowsWritten(w.cfg.Labels, float64(rows))
		m.AddBytesWritten(w.cfg.Labels, float64(delta))
	}
	return nil
}

// codec maps the effective compression to the format-internal codec.
// Snappy is accepted as an alias because it is Parquet's conventional
// default.
func (w *parquetWriter) codec() compress.Codec {
	switch w.cfg.Compression {
	case config.CompressionZstd:
		return &parquet.Zstd
	case config.CompressionGzip:
		return &parquet.Gzip
	case "snappy":
		return &parquet.Snappy
	default:
		return &parquet.Uncompressed
	}
}

// inferSchema derives the column set and kinds from the first batch,
// mirroring the CSV writer's inference. Later batches never add columns.
func (w *parquetWriter) inferSchema(docs []bson.D) {
	w.columns = inferColumns(docs)
	w.kinds = make(map[string]columnKind, len(w.columns))

	for _, col := range w.columns {
		kind := kindString
		for _, doc := range docs {
			v, ok := document.Lookup(doc, col)
			if !ok || v == nil {
				continue
			}
			kind = kindOf(document.ParquetValue(v))
			break
		}
		w.kinds[col] = kind
	}

	group := parquet.Group{}
	for _, col := range w.columns {
		group[col] = parquet.Optional(nodeFor(w.kinds[col]))
	}
	w.schema = parquet.NewSchema("document", group)
}

func kindOf(v any) columnKind {
	switch v.(type) {
	case int32, int64:
		return kindInt
	case float32, float64:
		return kindFloat
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	case []byte:
		return kindBytes
	default:
		return kindString
	}
}

func nodeFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	case kindTime:
		return parquet.Timestamp(parquet.Millisecond)
	case kindBytes:
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.String()
	}
}

// row projects a document onto the inferred columns, coercing values to
// the column kind; incompatible values become nulls rather than failing
// the run.
func (w *parquetWriter) row(doc bson.D) map[string]any {
	row := make(map[string]any, len(w.columns))
	for _, col := range w.columns {
		v, ok := document.Lookup(doc, col)
		if !ok || v == nil {
			continue
		}
		if cv, ok := coerce(document.ParquetValue(v), w.kinds[col]); ok {
			row[col] = cv
		}
	}
	return row
}

func coerce(v any, kind columnKind) (any, bool) {
	switch kind {
	case kindInt:
		switch n := v.(type) {
		case int32:
			return int64(n), true
		case int64:
			return n, true
		}
	case kindFloat:
		switch n := v.(type) {
		case float32:
			return float64(n), true
		case float64:
			return n, true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, true
		}
	case kindTime:
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	case kindBytes:
		if b, ok := v.([]byte); ok {
			return b, true
		}
	default:
		if s, ok := v.(string); ok {
			return s, true
		}
		return document.CSVField(v), true
	}
	return nil, false
}
