// Package source abstracts the document store behind a narrow interface so
// the engine and its tests do not depend on a live server.
package source

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

var ErrInvalidReadPreference = errors.New("invalid read preference")

// FindOptions carries the cursor options the engine uses.
type FindOptions struct {
	Sort            bson.D
	Projection      bson.D
	Hint            any
	BatchSize       int32
	Limit           int64
	NoCursorTimeout bool
}

// Cursor streams documents from a Find.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(out *bson.D) error
	Err() error
	Close(ctx context.Context) error
}

// Collection is the engine's view of a document collection.
type Collection interface {
	Name() string
	Find(ctx context.Context, filter bson.D, opts FindOptions) (Cursor, error)
	EstimatedDocumentCount(ctx context.Context) (int64, error)
}
