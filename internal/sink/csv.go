package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/queue"
)

// csvWriter emits RFC-4180 rows. Columns are fixed from configuration or
// inferred from the first batch; documents seen later with new keys do not
// grow the column set.
type csvWriter struct {
	core    *rotatingCore
	cfg     Config
	columns []string
	enc     *csv.Writer
}

func newCSVWriter(cfg Config, tracker Tracker) *csvWriter {
	w := &csvWriter{
		core:    newRotatingCore(cfg, tracker),
		cfg:     cfg,
		columns: cfg.CSVColumns,
	}
	w.enc = csv.NewWriter(coreWriter{w.core})
	return w
}

// coreWriter adapts the rotating core to io.Writer for encoding/csv.
type coreWriter struct {
	rc *rotatingCore
}

func (cw coreWriter) Write(p []byte) (int, error) {
	if err := cw.rc.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *csvWriter) WriteMany(ctx context.Context, item queue.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(item.Docs) == 0 {
		return nil
	}

	if w.columns == nil {
		w.columns = inferColumns(item.Docs)
	}

	// A fresh part gets its own header so every file parses standalone.
	if w.cfg.CSVHeader && w.core.cur == nil {
		if err := w.enc.Write(w.columns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}

	record := make([]string, len(w.columns))
	for _, doc := range item.Docs {
		for i, col := range w.columns {
			v, _ := document.Lookup(doc, col)
			record[i] = document.CSVField(v)
		}
		if err := w.enc.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	w.enc.Flush()
	if err := w.enc.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	if err := w.core.recordProgress(int64(len(item.Docs))); err != nil {
		return err
	}
	return w.core.rotateIfNeeded()
}

func (w *csvWriter) Close() error {
	w.enc.Flush()
	if err := w.enc.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return w.core.finalize()
}

// inferColumns unions the batch's top-level keys: _id first when present,
// the rest sorted lexicographically.
func inferColumns(docs []bson.D) []string {
	seen := make(map[string]bool)
	hasID := false
	for _, doc := range docs {
		for _, elem := range doc {
			if elem.Key == "_id" {
				hasID = true
				continue
			}
			seen[elem.Key] = true
		}
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)

	if hasID {
		return append([]string{"_id"}, rest...)
	}
	return rest
}
