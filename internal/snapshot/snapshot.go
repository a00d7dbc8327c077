// Package snapshot orchestrates the copy pipeline: partition planner,
// reader pool, bounded byte-queue, writer, and manifest.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexandernicholson/purplelight/internal/config"
	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/manifest"
	"github.com/alexandernicholson/purplelight/internal/metrics"
	"github.com/alexandernicholson/purplelight/internal/partition"
	"github.com/alexandernicholson/purplelight/internal/queue"
	"github.com/alexandernicholson/purplelight/internal/sink"
	"github.com/alexandernicholson/purplelight/internal/source"
)

// ErrIncompatibleResume wraps manifest incompatibility for callers.
var ErrIncompatibleResume = manifest.ErrIncompatible

// ErrPlanDiverged reports that replanning a partially completed run
// produced a different partition count than the manifest records.
var ErrPlanDiverged = errors.New("partition plan diverged from manifest; rerun with --resume-overwrite-incompatible to start fresh")

// progressInterval paces the on_progress callback and queue gauge.
const progressInterval = 2 * time.Second

// Mapper optionally transforms each document before serialization.
type Mapper func(bson.D) bson.D

// Progress is handed to the OnProgress callback.
type Progress struct {
	QueueBytes int64
}

// Params assembles a Snapshot.
type Params struct {
	Config     config.Options
	Collection source.Collection
	Hint       any
	Mapper     Mapper
	OnProgress func(Progress)
}

// Snapshot runs one resumable export of a collection.
type Snapshot struct {
	cfg        config.Options
	coll       source.Collection
	hint       any
	mapper     Mapper
	onProgress func(Progress)

	baseQuery  bson.D
	projection bson.D
	digest     string
	effective  string // compression after codec fallback

	man    *manifest.Manifest
	q      *queue.ByteQueue
	labels metrics.Labels
	log    *slog.Logger
}

// New validates configuration, parses the query, and resolves the
// effective compression. No I/O beyond codec capability lookup happens
// until Run.
func New(p Params) (*Snapshot, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}

	baseQuery, err := document.ParseExtJSON(p.Config.Query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	projection, err := document.ParseExtJSON(p.Config.Projection)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}

	effective, err := sink.ResolveCompression(p.Config.Compression)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		cfg:        p.Config,
		coll:       p.Collection,
		hint:       p.Hint,
		mapper:     p.Mapper,
		onProgress: p.OnProgress,
		baseQuery:  baseQuery,
		projection: projection,
		digest:     document.QueryDigest(baseQuery, projection),
		effective:  effective,
		labels: metrics.Labels{
			Collection: p.Config.Collection,
			Format:     p.Config.Format,
		},
		log: logging.Component("snapshot"),
	}, nil
}

// Manifest exposes the run's manifest after Run has set it up.
func (s *Snapshot) Manifest() *manifest.Manifest {
	return s.man
}

// Run executes the snapshot to completion or first fatal error. Completed
// parts and checkpoints survive failures; rerunning the same invocation
// resumes without duplicating documents.
func (s *Snapshot) Run(ctx context.Context) error {
	ranges, err := partition.Plan(ctx, s.coll, s.baseQuery, s.cfg.Partitions)
	if err != nil {
		return fmt.Errorf("plan partitions: %w", err)
	}

	if s.cfg.DryRun {
		return s.dryRun(ranges)
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := s.setupManifest(); err != nil {
		return err
	}

	ranges, err = s.reconcilePlan(ranges)
	if err != nil {
		return err
	}

	s.q = queue.NewByteQueue(s.cfg.QueueBytes)

	writer, err := sink.New(sink.Config{
		Dir:              s.cfg.OutputDir,
		Prefix:           s.cfg.EffectivePrefix(),
		Format:           s.cfg.Format,
		Compression:      s.effective,
		CompressionLevel: s.cfg.CompressionLevel,
		RotateBytes:      s.cfg.RotateBytes,
		RotateRows:       s.cfg.RotateRows,
		SingleFile:       s.cfg.SingleFile,
		WriteChunkBytes:  s.cfg.WriteChunkBytes,
		ParquetRowGroup:  s.cfg.ParquetRowGroup,
		CSVColumns:       s.cfg.CSVColumns,
		CSVHeader:        s.cfg.CSVHeader,
		Labels:           s.labels,
		StartSeq:         len(s.man.Parts()),
	}, s.man)
	if err != nil {
		return err
	}

	readerCtx, cancelReaders := context.WithCancel(ctx)
	defer cancelReaders()

	// Writer drains the queue until close, finalizing the last part on
	// exit. A writer failure closes the queue so blocked readers abort
	// instead of waiting on backpressure forever.
	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			item, ok := s.q.Pop()
			if !ok {
				break
			}
			if err := writer.WriteMany(ctx, item); err != nil {
				writerErr = err
				cancelReaders()
				s.q.Close()
				for {
					if _, ok := s.q.Pop(); !ok {
						break
					}
				}
				break
			}
		}
		if err := writer.Close(); err != nil && writerErr == nil {
			writerErr = err
		}
	}()

	// Progress loop: queue gauge plus the caller's callback.
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				bytes := s.q.SizeBytes()
				if m := metrics.Get(); m != nil {
					m.SetQueueBytes(float64(bytes))
				}
				if s.onProgress != nil {
					s.onProgress(Progress{QueueBytes: bytes})
				}
			}
		}
	}()

	// Reader pool: one goroutine per partition. The first fatal error
	// cancels the rest; the writer still drains whatever was enqueued.
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	partitions := s.man.Partitions()
	for i, rng := range ranges {
		if partitions[i].Completed {
			// A completed bounded partition cannot grow; only the
			// final, upper-unbounded partition sees late inserts.
			// That one rescans the whole tail above its checkpoint,
			// not the replanned bounds, since every late insert
			// carries an _id greater than the old checkpoint.
			if i != len(ranges)-1 {
				continue
			}
			rng = partition.Range{}
		}
		wg.Add(1)
		go func(index int, rng partition.Range) {
			defer wg.Done()
			if err := s.runReader(readerCtx, index, rng); err != nil {
				if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
					return
				}
				if m := metrics.Get(); m != nil {
					m.IncReaderErrors(s.labels)
				}
				logging.PartitionLogger(s.man.RunID(), index).Error("reader failed", "error", err)
				errOnce.Do(func() {
					firstErr = fmt.Errorf("partition %d: %w", index, err)
					cancelReaders()
				})
			}
		}(i, rng)
	}

	wg.Wait()
	s.q.Close()
	<-writerDone
	close(progressDone)

	if err := s.man.Flush(); err != nil {
		s.log.Warn("final manifest flush failed", "error", err)
	}

	switch {
	case firstErr != nil:
		return firstErr
	case writerErr != nil:
		return fmt.Errorf("writer: %w", writerErr)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	s.log.Info("snapshot complete",
		"collection", s.cfg.Collection,
		"format", s.cfg.Format,
		"compression", s.effective,
		"rows", s.man.TotalRows(),
		"parts", len(s.man.Parts()),
	)
	return nil
}

// setupManifest loads a compatible manifest or creates a fresh one. An
// incompatible manifest is fatal unless overwrite was requested.
func (s *Snapshot) setupManifest() error {
	path := sink.ManifestPath(s.cfg.OutputDir, s.cfg.EffectivePrefix())

	man, err := manifest.Load(path)
	switch {
	case err == nil:
		if man.CompatibleWith(s.cfg.Collection, s.cfg.Format, s.effective, s.digest) {
			s.log.Info("resuming existing manifest", "run_id", man.RunID())
			s.man = man
			return nil
		}
		if !s.cfg.ResumeOverwriteIncompatible {
			return fmt.Errorf("%w: %s", ErrIncompatibleResume, path)
		}
		s.log.Warn("overwriting incompatible manifest", "path", path)
	case !os.IsNotExist(err):
		return fmt.Errorf("load manifest: %w", err)
	}

	s.man = manifest.New(path)
	if err := s.man.Configure(s.cfg.Collection, s.cfg.Format, s.effective, s.digest, s.cfg.ManifestSnapshot()); err != nil {
		return fmt.Errorf("configure manifest: %w", err)
	}
	return nil
}

// reconcilePlan pins the fresh plan against a resumed manifest. Replanning
// over unchanged data is deterministic, so a count mismatch means the
// collection changed shape mid-resume; that is only safe once every
// partition already completed, in which case only the final partition's
// tail can hold new documents.
func (s *Snapshot) reconcilePlan(ranges []partition.Range) ([]partition.Range, error) {
	if err := s.man.EnsurePartitions(len(ranges)); err != nil {
		return nil, fmt.Errorf("init partitions: %w", err)
	}

	n := s.man.PartitionCount()
	if n == len(ranges) {
		return ranges, nil
	}

	for _, p := range s.man.Partitions() {
		if !p.Completed {
			return nil, ErrPlanDiverged
		}
	}

	// All partitions drained: readers will skip every bounded one and
	// re-run the final from its checkpoint, so the bounds are moot.
	return make([]partition.Range, n), nil
}

func (s *Snapshot) dryRun(ranges []partition.Range) error {
	s.log.Info("dry run",
		"collection", s.cfg.Collection,
		"format", s.cfg.Format,
		"compression", s.effective,
		"query_digest", s.digest,
		"partitions", len(ranges),
	)
	for i, r := range ranges {
		lower, _ := document.EncodeID(r.Lower)
		upper, _ := document.EncodeID(r.Upper)
		s.log.Info("planned range", "partition", i, "lower_exclusive", lower, "upper_inclusive", upper)
	}
	return nil
}
