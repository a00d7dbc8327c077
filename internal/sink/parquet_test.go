package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

func parquetDocs(n int) []bson.D {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := make([]bson.D, n)
	for i := 0; i < n; i++ {
		docs[i] = bson.D{
			{Key: "_id", Value: primitive.NewObjectIDFromTimestamp(base.Add(time.Duration(i) * time.Second))},
			{Key: "n", Value: int64(i)},
			{Key: "name", Value: "row"},
			{Key: "at", Value: primitive.NewDateTimeFromTime(base)},
		}
	}
	return docs
}

func readParquetRows(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := parquet.NewReader(f)
	defer r.Close()

	out := make([]map[string]any, 0, r.NumRows())
	for {
		row := map[string]any{}
		if err := r.Read(&row); err != nil {
			break
		}
		out = append(out, row)
	}
	return out
}

func TestParquetWriterRoundTrip(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatParquet, config.CompressionNone)
	cfg.ParquetRowGroup = 10
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	docs := parquetDocs(25)
	if err := w.WriteMany(context.Background(), queue.Item{Docs: docs, Rows: 25, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tracker.parts) != 1 {
		t.Fatalf("expected one part, got %d", len(tracker.parts))
	}
	part := tracker.parts[0]
	if !part.complete || part.rows != 25 {
		t.Fatalf("part not finalized correctly: %+v", part)
	}
	if filepath.Ext(part.path) != ".parquet" {
		t.Fatalf("parquet parts must not carry a codec suffix: %s", part.path)
	}

	rows := readParquetRows(t, part.path)
	if len(rows) != 25 {
		t.Fatalf("expected 25 rows, got %d", len(rows))
	}
	first := rows[0]
	if id, ok := first["_id"].(string); !ok || len(id) != 24 {
		t.Fatalf("ObjectID should surface as 24-char hex, got %v (%T)", first["_id"], first["_id"])
	}
	if n, ok := first["n"].(int64); !ok || n != 0 {
		t.Fatalf("expected n=0 as int64, got %v (%T)", first["n"], first["n"])
	}
}

func TestParquetWriterRotateRows(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatParquet, config.CompressionZstd)
	cfg.ParquetRowGroup = 10
	cfg.RotateRows = 10
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.WriteMany(context.Background(), queue.Item{Docs: parquetDocs(25), Rows: 25, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tracker.parts) != 3 {
		t.Fatalf("expected 3 parts (10+10+5 rows), got %d", len(tracker.parts))
	}
	wantRows := []int64{10, 10, 5}
	for i, part := range tracker.parts {
		if !part.complete {
			t.Fatalf("part %d not finalized", i)
		}
		if part.rows != wantRows[i] {
			t.Fatalf("part %d has %d rows, want %d", i, part.rows, wantRows[i])
		}
	}
}

func TestParquetWriterSchemaFixedAfterFirstBatch(t *testing.T) {
	tracker := &fakeTracker{}
	cfg := baseConfig(t, config.FormatParquet, config.CompressionNone)
	w, err := New(cfg, tracker)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first := bson.D{{Key: "_id", Value: int64(1)}, {Key: "a", Value: int64(1)}}
	second := bson.D{{Key: "_id", Value: int64(2)}, {Key: "zz", Value: "dropped"}}
	if err := w.WriteMany(ctx, queue.Item{Docs: []bson.D{first}, Rows: 1, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMany(ctx, queue.Item{Docs: []bson.D{second}, Rows: 1, Bytes: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	rows := readParquetRows(t, tracker.parts[0].path)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if _, ok := rows[0]["zz"]; ok {
		t.Fatal("columns must not grow after the first batch")
	}
}
