package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

// fakeTracker records the part lifecycle the way the manifest would.
type fakeTracker struct {
	mu    sync.Mutex
	parts []*fakePart
}

type fakePart struct {
	path     string
	rows     int64
	bytes    int64
	complete bool
	final    int64
	checksum string
}

func (f *fakeTracker) OpenPart(path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts = append(f.parts, &fakePart{path: path})
	return len(f.parts) - 1, nil
}

func (f *fakeTracker) AddProgressToPart(index int, rowsDelta, bytesDelta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[index].rows += rowsDelta
	f.parts[index].bytes += bytesDelta
	return nil
}

func (f *fakeTracker) CompletePart(index int, bytes int64, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[index].complete = true
	f.parts[index].final = bytes
	f.parts[index].checksum = checksum
	return nil
}

func baseConfig(t *testing.T, format, compression string) Config {
	t.Helper()
	return Config{
		Dir:             t.TempDir(),
		Prefix:          "snap",
		Format:          format,
		Compression:     compression,
		RotateBytes:     1 << 30,
		WriteChunkBytes: 8 << 20,
		ParquetRowGroup: 10000,
		CSVHeader:       true,
	}
}

func encodedItem(lines ...string) queue.Item {
	joined := strings.Join(lines, "\n") + "\n"
	return queue.Item{Encoded: []byte(joined), Rows: len(lines), Bytes: len(joined)}
}

func TestJSONLWriterPlain(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatJSONL, config.CompressionNone)
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := w.WriteMany(ctx, encodedItem(`{"_id":1}`, `{"_id":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMany(ctx, encodedItem(`{"_id":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tracker.parts) != 1 {
		t.Fatalf("expected one part, got %d", len(tracker.parts))
	}
	part := tracker.parts[0]
	if !part.complete || part.rows != 3 {
		t.Fatalf("part not finalized correctly: %+v", part)
	}
	if len(part.checksum) != 64 {
		t.Fatalf("expected sha256 hex checksum, got %q", part.checksum)
	}

	data, err := os.ReadFile(part.path)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"_id\":1}\n{\"_id\":2}\n{\"_id\":3}\n"
	if string(data) != want {
		t.Fatalf("unexpected output:\n%s", data)
	}
	if part.final != int64(len(data)) {
		t.Fatalf("final bytes %d != file size %d", part.final, len(data))
	}
}

func TestJSONLWriterCountsRowsFromNewlines(t *testing.T) {
	tracker := &fakeTracker{}
	w, err := New(baseConfig(t, config.FormatJSONL, config.CompressionNone), tracker)
	if err != nil {
		t.Fatal(err)
	}

	item := queue.Item{Encoded: []byte("{\"a\":1}\n{\"a\":2}\n"), Bytes: 16}
	if err := w.WriteMany(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got := tracker.parts[0].rows; got != 2 {
		t.Fatalf("expected 2 rows inferred from newlines, got %d", got)
	}
}

func TestJSONLWriterRotates(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatJSONL, config.CompressionNone)
	cfg.RotateBytes = 1024
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	line := fmt.Sprintf(`{"pad":%q}`, strings.Repeat("x", 200))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := w.WriteMany(ctx, encodedItem(line)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tracker.parts) < 2 {
		t.Fatalf("expected rotation to produce multiple parts, got %d", len(tracker.parts))
	}
	for i, part := range tracker.parts {
		if !part.complete {
			t.Fatalf("part %d not finalized", i)
		}
		if i < len(tracker.parts)-1 && part.final < 1024 {
			t.Fatalf("non-final part %d is %d bytes, below the rotation threshold", i, part.final)
		}
		wantName := fmt.Sprintf("snap-part-%06d.jsonl", i)
		if filepath.Base(part.path) != wantName {
			t.Fatalf("part %d path %q, want %q", i, part.path, wantName)
		}
	}
}

func TestJSONLWriterGzipRoundTrip(t *testing.T) {
	tracker := &fakeTracker{}
	w, err := New(baseConfig(t, config.FormatJSONL, config.CompressionGzip), tracker)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMany(context.Background(), encodedItem(`{"v":1}`, `{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	part := tracker.parts[0]
	if !strings.HasSuffix(part.path, ".jsonl.gz") {
		t.Fatalf("expected .jsonl.gz suffix, got %s", part.path)
	}

	f, err := os.Open(part.path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(gr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"v\":1}\n{\"v\":2}\n" {
		t.Fatalf("gzip round trip mismatch: %q", data)
	}
}

func TestJSONLWriterZstdRoundTrip(t *testing.T) {
	tracker := &fakeTracker{}
	w, err := New(baseConfig(t, config.FormatJSONL, config.CompressionZstd), tracker)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMany(context.Background(), encodedItem(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	part := tracker.parts[0]
	if !strings.HasSuffix(part.path, ".jsonl.zst") {
		t.Fatalf("expected .jsonl.zst suffix, got %s", part.path)
	}

	raw, err := os.ReadFile(part.path)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"v\":1}\n" {
		t.Fatalf("zstd round trip mismatch: %q", data)
	}
}

func TestResolveCompressionFallback(t *testing.T) {
	prev := SetZstdAvailable(false)
	defer SetZstdAvailable(prev)

	effective, err := ResolveCompression(config.CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	if effective != config.CompressionGzip {
		t.Fatalf("expected gzip fallback, got %s", effective)
	}
}

func TestResolveCompressionUnknown(t *testing.T) {
	if _, err := ResolveCompression("lz77"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}

func TestCSVWriterHeaderAndNestedJSON(t *testing.T) {
	tracker := &fakeTracker{}
	w, err := New(baseConfig(t, config.FormatCSV, config.CompressionNone), tracker)
	if err != nil {
		t.Fatal(err)
	}

	docs := []bson.D{
		{
			{Key: "_id", Value: int64(1)},
			{Key: "b", Value: "two"},
			{Key: "a", Value: int64(10)},
			{Key: "meta", Value: bson.D{{Key: "k", Value: "v"}}},
		},
		{
			{Key: "_id", Value: int64(2)},
			{Key: "a", Value: int64(20)},
		},
	}
	if err := w.WriteMany(context.Background(), queue.Item{Docs: docs, Rows: 2, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(tracker.parts[0].path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	wantHeader := []string{"_id", "a", "b", "meta"}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Fatalf("header mismatch: got %v want %v", records[0], wantHeader)
		}
	}
	if records[1][3] != `{"k":"v"}` {
		t.Fatalf("nested value not embedded as JSON: %q", records[1][3])
	}
	if records[2][2] != "" {
		t.Fatalf("missing key should render empty, got %q", records[2][2])
	}
}

func TestCSVWriterSingleFile(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatCSV, config.CompressionNone)
	cfg.SingleFile = true
	cfg.RotateBytes = 1 // would rotate instantly in by-size mode
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		doc := bson.D{{Key: "_id", Value: int64(i)}, {Key: "v", Value: int64(i)}}
		if err := w.WriteMany(ctx, queue.Item{Docs: []bson.D{doc}, Rows: 1, Bytes: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tracker.parts) != 1 {
		t.Fatalf("single-file mode produced %d parts", len(tracker.parts))
	}
	if filepath.Base(tracker.parts[0].path) != "snap.csv" {
		t.Fatalf("unexpected single-file name %s", tracker.parts[0].path)
	}
}

func TestCSVWriterConfiguredColumns(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatCSV, config.CompressionNone)
	cfg.CSVColumns = []string{"v", "_id"}
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	doc := bson.D{{Key: "_id", Value: int64(1)}, {Key: "v", Value: "x"}}
	if err := w.WriteMany(context.Background(), queue.Item{Docs: []bson.D{doc}, Rows: 1, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(tracker.parts[0].path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "v,_id\n") {
		t.Fatalf("configured column order not honored: %q", data)
	}
}
