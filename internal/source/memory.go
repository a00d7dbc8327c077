package source

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/alexandernicholson/purplelight/internal/document"
)

// Memory is an in-process Collection used by tests.
// It supports the filter shapes the engine itself generates: top-level
// equality, $gt/$gte/$lt/$lte comparisons, and $and of those.
type Memory struct {
	name string

	mu   sync.RWMutex
	docs []bson.D

	// FindErr, when set, fails every Find. CursorErrAfter > 0 makes
	// cursors fail after that many documents.
	FindErr        error
	CursorErrAfter int
	CursorErr      error
}

// NewMemory creates an in-memory collection with the given documents.
func NewMemory(name string, docs ...bson.D) *Memory {
	m := &Memory{name: name}
	m.Insert(docs...)
	return m
}

// Insert appends documents. Safe for concurrent use.
func (m *Memory) Insert(docs ...bson.D) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs)), nil
}

func (m *Memory) Find(ctx context.Context, filter bson.D, opts FindOptions) (Cursor, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}

	m.mu.RLock()
	matched := make([]bson.D, 0, len(m.docs))
	for _, doc := range m.docs {
		if matches(doc, filter) {
			matched = append(matched, doc)
		}
	}
	m.mu.RUnlock()

	if len(opts.Sort) > 0 {
		dir := 1
		if v, ok := document.Lookup(opts.Sort, "_id"); ok {
			if n, ok := v.(int); ok && n < 0 {
				dir = -1
			}
			if n, ok := v.(int32); ok && n < 0 {
				dir = -1
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return dir*document.CompareIDs(document.ID(matched[i]), document.ID(matched[j])) < 0
		})
	}

	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	if len(opts.Projection) > 0 {
		matched = project(matched, opts.Projection)
	}

	return &memoryCursor{
		docs:     matched,
		errAfter: m.CursorErrAfter,
		err:      m.CursorErr,
	}, nil
}

func matches(doc bson.D, filter bson.D) bool {
	for _, cond := range filter {
		switch cond.Key {
		case "$and":
			clauses, ok := cond.Value.(bson.A)
			if !ok {
				return false
			}
			for _, c := range clauses {
				sub, ok := c.(bson.D)
				if !ok || !matches(doc, sub) {
					return false
				}
			}
		default:
			val, present := document.Lookup(doc, cond.Key)
			if ops, ok := cond.Value.(bson.D); ok && isOpDoc(ops) {
				if !present || !matchOps(val, ops) {
					return false
				}
				continue
			}
			if !present || !equal(val, cond.Value) {
				return false
			}
		}
	}
	return true
}

func equal(a, b any) bool {
	switch a.(type) {
	case int, int32, int64, float32, float64, string, primitive.ObjectID:
		return document.CompareIDs(a, b) == 0 && sameRank(a, b)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func sameRank(a, b any) bool {
	switch a.(type) {
	case int, int32, int64, float32, float64:
		switch b.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case string:
		_, ok := b.(string)
		return ok
	case primitive.ObjectID:
		_, ok := b.(primitive.ObjectID)
		return ok
	}
	return false
}

func isOpDoc(d bson.D) bool {
	return len(d) > 0 && len(d[0].Key) > 0 && d[0].Key[0] == '$'
}

func matchOps(val any, ops bson.D) bool {
	for _, op := range ops {
		cmp := document.CompareIDs(val, op.Value)
		switch op.Key {
		case "$gt":
			if cmp <= 0 {
				return false
			}
		case "$gte":
			if cmp < 0 {
				return false
			}
		case "$lt":
			if cmp >= 0 {
				return false
			}
		case "$lte":
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func project(docs []bson.D, projection bson.D) []bson.D {
	include := make(map[string]bool, len(projection))
	for _, p := range projection {
		switch v := p.Value.(type) {
		case int:
			include[p.Key] = v != 0
		case int32:
			include[p.Key] = v != 0
		case bool:
			include[p.Key] = v
		}
	}
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		var slim bson.D
		for _, elem := range doc {
			keep, named := include[elem.Key]
			if (named && keep) || (!named && elem.Key == "_id") {
				slim = append(slim, elem)
			}
		}
		out[i] = slim
	}
	return out
}

type memoryCursor struct {
	docs     []bson.D
	pos      int
	errAfter int
	err      error
	failed   bool
}

func (c *memoryCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.errAfter > 0 && c.pos >= c.errAfter {
		c.failed = true
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *memoryCursor) Decode(out *bson.D) error {
	*out = c.docs[c.pos-1]
	return nil
}

func (c *memoryCursor) Err() error {
	if c.failed {
		return c.err
	}
	return nil
}

func (c *memoryCursor) Close(ctx context.Context) error {
	return nil
}
