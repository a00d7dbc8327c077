package snapshot

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/metrics"
	"github.com/alexandernicholson/purplelight/internal/partition"
	"github.com/alexandernicholson/purplelight/internal/queue"
	"github.com/alexandernicholson/purplelight/internal/source"
)

// batchFlushBytes is the serialized-size threshold at which a reader ships
// its accumulated batch regardless of document count.
const batchFlushBytes = 1 << 20

// runReader streams one partition in ascending _id order, pushing batches
// onto the queue and checkpointing after every successful push. The
// checkpoint only moves once the batch is enqueued, so a failed reader can
// resume without emitting duplicates.
func (s *Snapshot) runReader(ctx context.Context, index int, rng partition.Range) error {
	log := logging.PartitionLogger(s.man.RunID(), index)

	checkpoint, err := s.man.Checkpoint(index)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint != nil {
		rng = rng.WithLower(checkpoint)
		log.Debug("resuming after checkpoint")
	}

	hint := s.hint
	if hint == nil {
		hint = bson.D{{Key: "_id", Value: 1}}
	}

	cur, err := s.coll.Find(ctx, rng.Filter(s.baseQuery), source.FindOptions{
		Sort:            bson.D{{Key: "_id", Value: 1}},
		Projection:      s.projection,
		Hint:            hint,
		BatchSize:       int32(s.cfg.BatchSize),
		NoCursorTimeout: s.cfg.NoCursorTimeout,
	})
	if err != nil {
		return fmt.Errorf("open cursor: %w", err)
	}
	defer cur.Close(context.Background())

	jsonl := s.cfg.Format == config.FormatJSONL

	var (
		docs    []bson.D
		encoded []byte
		bytes   int
		rows    int
		lastID  any
		total   int64
	)

	flush := func() error {
		if rows == 0 {
			return nil
		}
		item := queue.Item{
			Partition: index,
			Rows:      rows,
			LastID:    lastID,
		}
		if jsonl {
			item.Encoded = encoded
			item.Bytes = len(encoded)
		} else {
			item.Docs = docs
			item.Bytes = bytes
		}

		if err := s.q.Push(item); err != nil {
			return err
		}
		if err := s.man.UpdatePartitionCheckpoint(index, lastID); err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		if m := metrics.Get(); m != nil {
			m.IncBatchesEnqueued(s.labels)
			m.ObserveBatchBytes(s.labels, float64(item.Bytes))
		}

		docs = nil
		encoded = nil
		bytes = 0
		rows = 0
		return nil
	}

	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}

		lastID = document.ID(doc)
		if s.mapper != nil {
			doc = s.mapper(doc)
		}
		total++

		if jsonl {
			line, err := document.MarshalJSONLine(doc)
			if err != nil {
				return fmt.Errorf("encode document: %w", err)
			}
			encoded = append(encoded, line...)
			encoded = append(encoded, '\n')
			rows++
			if len(encoded) >= batchFlushBytes {
				if err := flush(); err != nil {
					return err
				}
			}
		} else {
			docs = append(docs, doc)
			bytes += document.EstimateSize(doc)
			rows++
			if rows >= s.cfg.BatchSize || bytes >= batchFlushBytes {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}

	if err := cur.Err(); err != nil {
		return fmt.Errorf("cursor: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Residual batch ships before the partition is declared drained.
	if err := flush(); err != nil {
		return err
	}
	if err := s.man.MarkPartitionComplete(index); err != nil {
		return fmt.Errorf("mark partition complete: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.AddDocumentsRead(s.labels, float64(total))
		m.IncPartitionsCompleted(s.labels)
	}
	log.Info("partition complete", "documents", total)
	return nil
}
