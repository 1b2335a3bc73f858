// Package mongosrc adapts a live go.mongodb.org/mongo-driver
// collection to the narrow Source interfaces the partitioner and
// reader depend on. The driver itself is a real dependency, wired in
// here — this package is the thin "external collaborator" boundary
// spec.md §1 calls out, not a reimplementation of the driver.
package mongosrc

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/purplelight/snapshot/internal/partition"
	"github.com/purplelight/snapshot/internal/reader"
)

// ReadOptions carries the per-run cursor settings named in spec.md
// §4.2's reader contract. Read preference and read concern are
// applied when the *mongo.Collection is obtained from its database,
// not here, since the driver exposes them at that level rather than
// per-query.
type ReadOptions struct {
	BatchSize       int32
	Projection      bson.M
	Hint            interface{}
	NoCursorTimeout bool
}

// Collection wraps a *mongo.Collection and implements
// partition.Source and reader.Source against it.
type Collection struct {
	coll *mongo.Collection
	opts ReadOptions
}

func NewCollection(coll *mongo.Collection, opts ReadOptions) *Collection {
	return &Collection{coll: coll, opts: opts}
}

// FindOneSorted implements partition.Source.
func (c *Collection) FindOneSorted(ctx context.Context, filter bson.M, sortAsc bool, projection bson.M) (bson.Raw, error) {
	order := 1
	if !sortAsc {
		order = -1
	}
	findOpts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: order}}).
		SetProjection(projection)
	var raw bson.Raw
	err := c.coll.FindOne(ctx, filter, findOpts).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find one sorted: %w", err)
	}
	return raw, nil
}

// EstimatedDocumentCount implements partition.Source.
func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	n, err := c.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("estimated document count: %w", err)
	}
	return n, nil
}

// idCursor adapts a *mongo.Cursor projected to {_id: 1} into
// partition.IDCursor.
type idCursor struct {
	cur   *mongo.Cursor
	curID interface{}
}

func (c *idCursor) Next(ctx context.Context) bool {
	if !c.cur.Next(ctx) {
		return false
	}
	var doc struct {
		ID interface{} `bson:"_id"`
	}
	if err := c.cur.Decode(&doc); err != nil {
		return false
	}
	c.curID = doc.ID
	return true
}

func (c *idCursor) Current() interface{} { return c.curID }
func (c *idCursor) Err() error           { return c.cur.Err() }
func (c *idCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// SortedIDs implements partition.Source.
func (c *Collection) SortedIDs(ctx context.Context, filter bson.M) (partition.IDCursor, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1}).
		SetHint(bson.D{{Key: "_id", Value: 1}})
	cur, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("sorted ids find: %w", err)
	}
	return &idCursor{cur: cur}, nil
}

// DocCursor yields raw BSON documents in ascending _id order for the
// reader.
type DocCursor struct {
	cur *mongo.Cursor
}

func (c *DocCursor) Next(ctx context.Context) bool  { return c.cur.Next(ctx) }
func (c *DocCursor) Current() bson.Raw              { return c.cur.Current }
func (c *DocCursor) Err() error                     { return c.cur.Err() }
func (c *DocCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// FindRange opens a sorted cursor over filter, applying the reader's
// batch size, projection, hint, and cursor-timeout settings
// (spec.md §4.2, step 2).
func (c *Collection) FindRange(ctx context.Context, filter bson.M) (reader.DocCursor, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetNoCursorTimeout(c.opts.NoCursorTimeout)
	if c.opts.BatchSize > 0 {
		findOpts.SetBatchSize(c.opts.BatchSize)
	}
	if c.opts.Projection != nil {
		findOpts.SetProjection(c.opts.Projection)
	}
	hint := c.opts.Hint
	if hint == nil {
		hint = bson.D{{Key: "_id", Value: 1}}
	}
	findOpts.SetHint(hint)

	cur, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find range: %w", err)
	}
	return &DocCursor{cur: cur}, nil
}

var (
	_ partition.Source = (*Collection)(nil)
	_ reader.Source    = (*Collection)(nil)
)
