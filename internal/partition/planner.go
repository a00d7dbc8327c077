// Package partition plans contiguous, disjoint _id ranges for the reader
// pool. The default strategy exploits the generation-time prefix of
// ObjectIDs; collections with other key types fall back to cursor sampling.
package partition

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/alexandernicholson/purplelight/internal/document"
	"github.com/alexandernicholson/purplelight/internal/logging"
	"github.com/alexandernicholson/purplelight/internal/source"
)

// Range is a half-open (Lower, Upper] interval over _id. A nil bound is
// unbounded on that side; the zero Range matches the whole keyspace.
type Range struct {
	Lower any // exclusive
	Upper any // inclusive
}

// Filter merges the range fragment with the base query.
func (r Range) Filter(base bson.D) bson.D {
	var ops bson.D
	if r.Lower != nil {
		ops = append(ops, bson.E{Key: "$gt", Value: r.Lower})
	}
	if r.Upper != nil {
		ops = append(ops, bson.E{Key: "$lte", Value: r.Upper})
	}
	if len(ops) == 0 {
		return append(bson.D{}, base...)
	}

	idClause := bson.E{Key: "_id", Value: ops}
	if len(base) == 0 {
		return bson.D{idClause}
	}
	if _, hasID := document.Lookup(base, "_id"); hasID {
		return bson.D{{Key: "$and", Value: bson.A{base, bson.D{idClause}}}}
	}
	out := append(bson.D{}, base...)
	return append(out, idClause)
}

// WithLower returns the range tightened to start strictly after id when
// that is tighter than the current lower bound.
func (r Range) WithLower(id any) Range {
	if id == nil {
		return r
	}
	if r.Lower == nil || document.CompareIDs(id, r.Lower) > 0 {
		return Range{Lower: id, Upper: r.Upper}
	}
	return r
}

// sampleThresholdPerPartition bounds the collection size under which the
// sampling planner reads endpoints instead of scanning.
const sampleThresholdPerPartition = 5000

// Plan divides the keyspace matched by baseQuery into at most n contiguous,
// disjoint ranges. It returns fewer than n ranges when boundary candidates
// collide. Any source error aborts the plan.
func Plan(ctx context.Context, coll source.Collection, baseQuery bson.D, n int) ([]Range, error) {
	if n < 1 {
		return nil, fmt.Errorf("partition count must be >= 1, got %d", n)
	}

	minID, ok, err := endpointID(ctx, coll, baseQuery, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch min _id: %w", err)
	}
	if !ok {
		// Nothing matches; a single unbounded range keeps the reader
		// pool shape uniform.
		return []Range{{}}, nil
	}
	if n == 1 {
		return []Range{{}}, nil
	}
	maxID, _, err := endpointID(ctx, coll, baseQuery, -1)
	if err != nil {
		return nil, fmt.Errorf("fetch max _id: %w", err)
	}

	log := logging.Component("partition")

	if boundaries, ok, err := timestampBoundaries(ctx, coll, baseQuery, minID, maxID, n); err != nil {
		return nil, err
	} else if ok {
		log.Debug("planned by generation time", "boundaries", len(boundaries))
		return assemble(boundaries), nil
	}

	boundaries, err := sampledBoundaries(ctx, coll, baseQuery, n)
	if err != nil {
		return nil, err
	}
	log.Debug("planned by cursor sampling", "boundaries", len(boundaries))
	return assemble(boundaries), nil
}

// timestampBoundaries derives inner boundaries from ObjectID generation
// times. Returns ok=false when the keys are not time-prefixed ObjectIDs or
// the time span is non-positive.
func timestampBoundaries(ctx context.Context, coll source.Collection, baseQuery bson.D, minID, maxID any, n int) ([]any, bool, error) {
	minOID, okMin := minID.(primitive.ObjectID)
	maxOID, okMax := maxID.(primitive.ObjectID)
	if !okMin || !okMax {
		return nil, false, nil
	}

	tmin := minOID.Timestamp().Unix()
	tmax := maxOID.Timestamp().Unix()
	span := tmax - tmin
	if span <= 0 {
		return nil, false, nil
	}

	step := span / int64(n)
	if step < 1 {
		step = 1
	}

	var boundaries []any
	for i := 1; i < n; i++ {
		t := tmin + int64(i)*step
		if t >= tmax {
			break
		}
		synthetic := primitive.NewObjectIDFromTimestamp(time.Unix(t, 0))

		// The boundary must be a real key so ranges stay aligned with
		// the data.
		probe := Range{Lower: synthetic}.Filter(baseQuery)
		id, ok, err := endpointID(ctx, coll, probe, 1)
		if err != nil {
			return nil, false, fmt.Errorf("probe boundary %d: %w", i, err)
		}
		if !ok {
			break
		}
		if document.CompareIDs(id, maxID) >= 0 {
			break
		}
		boundaries = appendBoundary(boundaries, id)
	}
	return boundaries, true, nil
}

// sampledBoundaries scans sorted _id keys, emitting every (total/n)-th key.
// Small collections use the first n-1 keys directly.
func sampledBoundaries(ctx context.Context, coll source.Collection, baseQuery bson.D, n int) ([]any, error) {
	total, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate count: %w", err)
	}

	opts := source.FindOptions{
		Sort:       bson.D{{Key: "_id", Value: 1}},
		Projection: bson.D{{Key: "_id", Value: 1}},
	}

	if total <= int64(n)*sampleThresholdPerPartition {
		opts.Limit = int64(n - 1)
		cur, err := coll.Find(ctx, baseQuery, opts)
		if err != nil {
			return nil, fmt.Errorf("sample endpoints: %w", err)
		}
		defer cur.Close(ctx)

		var boundaries []any
		for cur.Next(ctx) {
			var doc bson.D
			if err := cur.Decode(&doc); err != nil {
				return nil, fmt.Errorf("decode endpoint: %w", err)
			}
			boundaries = appendBoundary(boundaries, document.ID(doc))
		}
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("sample endpoints: %w", err)
		}
		return boundaries, nil
	}

	step := total / int64(n)
	if step < 1 {
		step = 1
	}

	cur, err := coll.Find(ctx, baseQuery, opts)
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	defer cur.Close(ctx)

	var boundaries []any
	var seen int64
	for cur.Next(ctx) {
		seen++
		if seen%step != 0 {
			continue
		}
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		boundaries = appendBoundary(boundaries, document.ID(doc))
		if len(boundaries) == n-1 {
			break
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return boundaries, nil
}

// appendBoundary drops duplicates so no range is zero-width.
func appendBoundary(boundaries []any, id any) []any {
	if id == nil {
		return boundaries
	}
	if len(boundaries) > 0 && document.CompareIDs(boundaries[len(boundaries)-1], id) >= 0 {
		return boundaries
	}
	return append(boundaries, id)
}

// assemble turns sorted inner boundaries into contiguous ranges. The first
// range is open below, the last open above; consecutive ranges share their
// endpoint with $gt/$lte semantics.
func assemble(boundaries []any) []Range {
	ranges := make([]Range, 0, len(boundaries)+1)
	var lower any
	for _, b := range boundaries {
		ranges = append(ranges, Range{Lower: lower, Upper: b})
		lower = b
	}
	return append(ranges, Range{Lower: lower})
}

// endpointID fetches the first _id in the given sort direction under filter.
func endpointID(ctx context.Context, coll source.Collection, filter bson.D, dir int) (any, bool, error) {
	cur, err := coll.Find(ctx, filter, source.FindOptions{
		Sort:       bson.D{{Key: "_id", Value: dir}},
		Projection: bson.D{{Key: "_id", Value: 1}},
		Limit:      1,
	})
	if err != nil {
		return nil, false, err
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	var doc bson.D
	if err := cur.Decode(&doc); err != nil {
		return nil, false, err
	}
	return document.ID(doc), true, nil
}
