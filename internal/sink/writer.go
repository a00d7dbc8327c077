package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/metrics"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

// Tracker receives part lifecycle callbacks. *manifest.Manifest satisfies
// it; tests substitute a recorder.
type Tracker interface {
	OpenPart(path string) (int, error)
	AddProgressToPart(index int, rowsDelta, bytesDelta int64) error
	CompletePart(index int, bytes int64, checksum string) error
}

// Writer consumes batches and produces finalized output parts.
type Writer interface {
	WriteMany(ctx context.Context, item queue.Item) error
	Close() error
}

// Config parameterizes all writer implementations.
type Config struct {
	Dir              string
	Prefix           string
	Format           string
	Compression      string // effective compression
	CompressionLevel int
	RotateBytes      int64
	RotateRows       int64
	SingleFile       bool
	WriteChunkBytes  int64
	ParquetRowGroup  int
	CSVColumns       []string
	CSVHeader        bool
	Labels           metrics.Labels
	StartSeq         int // first by-size part number; parts of earlier runs keep theirs
}

// New builds the writer for the configured format.
func New(cfg Config, tracker Tracker) (Writer, error) {
	switch cfg.Format {
	case config.FormatJSONL:
		return newJSONLWriter(cfg, tracker), nil
	case config.FormatCSV:
		return newCSVWriter(cfg, tracker), nil
	case config.FormatParquet:
		return newParquetWriter(cfg, tracker), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownFormat, cfg.Format)
	}
}

// countingWriter tracks compressed bytes and their SHA-256 on the way to
// the file, so rotation decisions and part checksums need no re-read.
type countingWriter struct {
	w io.Writer
	n int64
	h hash.Hash
}

func newCountingWriter(w io.Writer) *countingWriter {
	return &countingWriter{w: w, h: sha256.New()}
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.h.Write(p[:n])
	return n, err
}

func (c *countingWriter) Checksum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// part is one open output file: file <- counting <- compressor.
type part struct {
	index    int
	path     string
	file     *os.File
	counter  *countingWriter
	comp     CompressedWriter
	rows     int64
	reported int64 // compressed bytes already reported as progress
}

// rotatingCore is the shared open/write/rotate/finalize machinery behind
// the JSONL and CSV writers. Parquet manages files itself (its codec is
// internal) but reuses the same tracker protocol.
type rotatingCore struct {
	cfg     Config
	tracker Tracker
	log     *slog.Logger
	seq     int
	cur     *part
}

func newRotatingCore(cfg Config, tracker Tracker) *rotatingCore {
	return &rotatingCore{
		cfg:     cfg,
		tracker: tracker,
		log:     logging.Component("writer"),
		seq:     cfg.StartSeq,
	}
}

// ensureOpen opens the next part lazily so empty runs create no files.
func (rc *rotatingCore) ensureOpen() error {
	if rc.cur != nil {
		return nil
	}

	path := PartPath(rc.cfg.Dir, rc.cfg.Prefix, rc.cfg.Format, rc.cfg.Compression, rc.seq, rc.cfg.SingleFile)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open part %s: %w", path, err)
	}

	counter := newCountingWriter(file)
	comp, err := NewCompressedWriter(counter, rc.cfg.Compression, rc.cfg.CompressionLevel)
	if err != nil {
		file.Close()
		os.Remove(path)
		return err
	}

	index, err := rc.tracker.OpenPart(path)
	if err != nil {
		comp.Close()
		file.Close()
		return err
	}

	rc.cur = &part{index: index, path: path, file: file, counter: counter, comp: comp}
	rc.seq++
	rc.log.Debug("opened part", "path", path, "part", index)
	return nil
}

func (rc *rotatingCore) write(p []byte) error {
	if err := rc.ensureOpen(); err != nil {
		return err
	}
	if _, err := rc.cur.comp.Write(p); err != nil {
		return fmt.Errorf("write part %s: %w", rc.cur.path, err)
	}
	return nil
}

// recordProgress reports rows plus the compressed bytes that reached the
// file since the previous report.
func (rc *rotatingCore) recordProgress(rows int64) error {
	if rc.cur == nil {
		return nil
	}
	rc.cur.rows += rows
	delta := rc.cur.counter.n - rc.cur.reported
	rc.cur.reported = rc.cur.counter.n
	if err := rc.tracker.AddProgressToPart(rc.cur.index, rows, delta); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.AddRowsWritten(rc.cfg.Labels, float64(rows))
		m.AddBytesWritten(rc.cfg.Labels, float64(delta))
	}
	return nil
}

// rotateIfNeeded finalizes the current part once its compressed size
// passes the rotation threshold. Never splits a batch.
func (rc *rotatingCore) rotateIfNeeded() error {
	if rc.cfg.SingleFile || rc.cur == nil {
		return nil
	}
	if rc.cur.counter.n < rc.cfg.RotateBytes {
		return nil
	}
	return rc.finalize()
}

// finalize closes the codec stream (forcing trailers), then the file, then
// reports completion. Order matters: a part is only complete once its
// bytes are durable.
func (rc *rotatingCore) finalize() error {
	if rc.cur == nil {
		return nil
	}
	cur := rc.cur
	rc.cur = nil

	if err := cur.comp.Close(); err != nil {
		return fmt.Errorf("close compressed stream %s: %w", cur.path, err)
	}
	if err := cur.file.Close(); err != nil {
		return fmt.Errorf("close part %s: %w", cur.path, err)
	}

	// Flush any unreported tail before completion so row totals stay
	// consistent even though byte totals are overwritten below.
	if tail := cur.counter.n - cur.reported; tail > 0 {
		if err := rc.tracker.AddProgressToPart(cur.index, 0, tail); err != nil {
			return err
		}
	}
	if err := rc.tracker.CompletePart(cur.index, cur.counter.n, cur.counter.Checksum()); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.IncPartsFinalized(rc.cfg.Labels)
	}
	rc.log.Info("finalized part",
		"path", cur.path,
		"rows", cur.rows,
		"bytes", cur.counter.n,
	)
	return nil
}
