package source

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/tag"

	"github.com/alexandernicholson/purplelight/internal/config"
)

// Connect dials the configured URI and returns the client plus the target
// collection wrapped in the engine's Collection interface.
func Connect(ctx context.Context, cfg config.Options) (*mongo.Client, Collection, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)

	if cfg.ReadPreference != "" {
		pref, err := buildReadPref(cfg)
		if err != nil {
			return nil, nil, err
		}
		clientOpts.SetReadPreference(pref)
	}
	if cfg.ReadConcern != "" {
		rc, err := buildReadConcern(cfg.ReadConcern)
		if err != nil {
			return nil, nil, err
		}
		clientOpts.SetReadConcern(rc)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.URI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	return client, &mongoCollection{coll: coll}, nil
}

func buildReadPref(cfg config.Options) (*readpref.ReadPref, error) {
	mode, err := readpref.ModeFromString(normalizeMode(cfg.ReadPreference))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReadPreference, cfg.ReadPreference)
	}

	var opts []readpref.Option
	pairs, err := cfg.ParseReadTags()
	if err != nil {
		return nil, err
	}
	if len(pairs) > 0 {
		set := make(tag.Set, 0, len(pairs))
		for _, p := range pairs {
			set = append(set, tag.Tag{Name: p[0], Value: p[1]})
		}
		opts = append(opts, readpref.WithTagSets(set))
	}

	return readpref.New(mode, opts...)
}

// normalizeMode accepts the CLI's snake_case spellings.
func normalizeMode(s string) string {
	switch s {
	case "primary_preferred":
		return "primaryPreferred"
	case "secondary_preferred":
		return "secondaryPreferred"
	default:
		return s
	}
}

func buildReadConcern(name string) (*readconcern.ReadConcern, error) {
	switch name {
	case "majority":
		return readconcern.Majority(), nil
	case "local":
		return readconcern.Local(), nil
	case "linearizable":
		return readconcern.Linearizable(), nil
	case "available":
		return readconcern.Available(), nil
	case "snapshot":
		return readconcern.Snapshot(), nil
	default:
		return nil, fmt.Errorf("unknown read concern %q", name)
	}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (m *mongoCollection) Name() string {
	return m.coll.Name()
}

func (m *mongoCollection) Find(ctx context.Context, filter bson.D, opts FindOptions) (Cursor, error) {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	if len(opts.Projection) > 0 {
		fo.SetProjection(opts.Projection)
	}
	if opts.Hint != nil {
		fo.SetHint(opts.Hint)
	}
	if opts.BatchSize > 0 {
		fo.SetBatchSize(opts.BatchSize)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.NoCursorTimeout {
		fo.SetNoCursorTimeout(true)
	}

	cur, err := m.coll.Find(ctx, filter, fo)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", m.coll.Name(), err)
	}
	return &mongoCursor{cur: cur}, nil
}

func (m *mongoCollection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	n, err := m.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("estimated document count: %w", err)
	}
	return n, nil
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c *mongoCursor) Decode(out *bson.D) error {
	return c.cur.Decode(out)
}

func (c *mongoCursor) Err() error {
	return c.cur.Err()
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
