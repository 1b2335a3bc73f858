// Package partition divides a collection's keyspace into N disjoint,
// contiguous, ordered ranges over the primary key, per spec.md §4.1.
package partition

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Bound is one side of a Range filter fragment. A nil Value means the
// bound is open (no lower/upper limit).
type Bound struct {
	Value interface{}
}

func OpenBound() Bound { return Bound{} }

func (b Bound) open() bool { return b.Value == nil }

// Range is a half-open or closed interval over _id, encoded the way
// spec.md §3 describes: {$gt: a, $lte: b}, {$gt: a}, {$lte: b}, or {}.
type Range struct {
	Lower Bound // exclusive
	Upper Bound // inclusive
}

// Filter renders the range as a BSON filter fragment on _id.
func (r Range) Filter() bson.M {
	cond := bson.M{}
	if !r.Lower.open() {
		cond["$gt"] = r.Lower.Value
	}
	if !r.Upper.open() {
		cond["$lte"] = r.Upper.Value
	}
	if len(cond) == 0 {
		return bson.M{}
	}
	return bson.M{"_id": cond}
}

// Plan is an ordered sequence of Ranges covering the base query's
// keyspace exactly once.
type Plan []Range

// Source is the minimal collaborator the partitioner needs from the
// MongoDB client, matching spec.md §1's assumed client surface.
type Source interface {
	FindOneSorted(ctx context.Context, filter bson.M, sortAsc bool, projection bson.M) (bson.Raw, error)
	EstimatedDocumentCount(ctx context.Context) (int64, error)
	// SortedIDs streams just the _id field in ascending order for the
	// given filter, used by the cursor-sampling fallback.
	SortedIDs(ctx context.Context, filter bson.M) (IDCursor, error)
}

// IDCursor yields successive _id values in ascending order.
type IDCursor interface {
	Next(ctx context.Context) bool
	Current() interface{}
	Err() error
	Close(ctx context.Context) error
}

// BuildPlan builds an N-way partition plan for baseFilter over src,
// preferring the timestamp strategy and falling back to cursor
// sampling, per spec.md §4.1.
func BuildPlan(ctx context.Context, src Source, baseFilter bson.M, n int) (Plan, error) {
	if n < 1 {
		return nil, fmt.Errorf("partition count must be >= 1, got %d", n)
	}

	minRaw, err := src.FindOneSorted(ctx, baseFilter, true, bson.M{"_id": 1})
	if err != nil {
		return nil, fmt.Errorf("find min _id: %w", err)
	}
	if minRaw == nil {
		// Empty collection under the base query: a single empty-filter
		// range, per spec.md §4.1 edge cases.
		return Plan{{Lower: OpenBound(), Upper: OpenBound()}}, nil
	}
	maxRaw, err := src.FindOneSorted(ctx, baseFilter, false, bson.M{"_id": 1})
	if err != nil {
		return nil, fmt.Errorf("find max _id: %w", err)
	}

	minID, err := idFrom(minRaw)
	if err != nil {
		return nil, err
	}
	maxID, err := idFrom(maxRaw)
	if err != nil {
		return nil, err
	}

	if n == 1 {
		return Plan{{Lower: OpenBound(), Upper: OpenBound()}}, nil
	}

	if plan, ok, err := timestampPlan(ctx, src, baseFilter, n, minID, maxID); err != nil {
		return nil, err
	} else if ok {
		return plan, nil
	}

	return cursorSamplingPlan(ctx, src, baseFilter, n)
}

func idFrom(raw bson.Raw) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := raw.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("document missing _id: %w", err)
	}
	return rawValueToGo(v), nil
}

func rawValueToGo(rv bson.RawValue) interface{} {
	switch rv.Type {
	case bson.TypeObjectID:
		return rv.ObjectID()
	default:
		var out interface{}
		_ = rv.Unmarshal(&out)
		return out
	}
}

// generationTime extracts a time.Time from an _id value if it carries
// one: ObjectIDs embed a seconds-resolution creation time; other
// identifier types do not, which trips the timestamp strategy's
// fallback.
func generationTime(id interface{}) (time.Time, bool) {
	oid, ok := id.(primitive.ObjectID)
	if !ok {
		return time.Time{}, false
	}
	return oid.Timestamp(), true
}

// timestampPlan implements the default, preferred strategy from
// spec.md §4.1: derive step = (tmax - tmin) / N, synthesize N-1 inner
// boundary timestamps, and resolve each to the first real _id strictly
// greater than a synthetic ObjectID built from that time.
func timestampPlan(ctx context.Context, src Source, baseFilter bson.M, n int, minID, maxID interface{}) (Plan, bool, error) {
	tmin, ok1 := generationTime(minID)
	tmax, ok2 := generationTime(maxID)
	if !ok1 || !ok2 {
		return nil, false, nil
	}
	span := tmax.Sub(tmin)
	if span <= 0 {
		return nil, false, nil
	}
	step := span / time.Duration(n)
	if step <= 0 {
		step = time.Second
	}

	boundaries := make([]interface{}, 0, n-1)
	seen := map[string]bool{}
	for i := 1; i < n; i++ {
		synthTime := tmin.Add(time.Duration(i) * step)
		synth := primitive.NewObjectIDFromTimestamp(synthTime)
		filter := bson.M{}
		for k, v := range baseFilter {
			filter[k] = v
		}
		filter["_id"] = bson.M{"$gt": synth}
		raw, err := src.FindOneSorted(ctx, filter, true, bson.M{"_id": 1})
		if err != nil {
			return nil, false, fmt.Errorf("find boundary %d: %w", i, err)
		}
		if raw == nil {
			// No document past this synthetic boundary; remaining
			// boundaries would be empty too, so stop here.
			break
		}
		id, err := idFrom(raw)
		if err != nil {
			return nil, false, err
		}
		key := fmt.Sprint(id)
		if seen[key] {
			continue // de-duplicate, never emit a zero-width range
		}
		seen[key] = true
		boundaries = append(boundaries, id)
	}

	return rangesFromBoundaries(boundaries), true, nil
}

// cursorSamplingPlan implements the fallback strategy from spec.md
// §4.1: endpoint ranges for small collections, or a stride-sampled
// scan of sorted _id values for large ones.
func cursorSamplingPlan(ctx context.Context, src Source, baseFilter bson.M, n int) (Plan, error) {
	total, err := src.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimated document count: %w", err)
	}

	if total <= int64(n)*5000 {
		cur, err := src.SortedIDs(ctx, baseFilter)
		if err != nil {
			return nil, fmt.Errorf("sorted ids scan: %w", err)
		}
		defer cur.Close(ctx)

		boundaries := make([]interface{}, 0, n-1)
		seen := map[string]bool{}
		for cur.Next(ctx) && len(boundaries) < n-1 {
			id := cur.Current()
			key := fmt.Sprint(id)
			if seen[key] {
				continue
			}
			seen[key] = true
			boundaries = append(boundaries, id)
		}
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("sorted ids scan: %w", err)
		}
		return rangesFromBoundaries(boundaries), nil
	}

	stride := total / int64(n)
	if stride < 1 {
		stride = 1
	}
	cur, err := src.SortedIDs(ctx, baseFilter)
	if err != nil {
		return nil, fmt.Errorf("sorted ids scan: %w", err)
	}
	defer cur.Close(ctx)

	boundaries := make([]interface{}, 0, n-1)
	seen := map[string]bool{}
	var i int64
	for cur.Next(ctx) {
		if i > 0 && i%stride == 0 && int64(len(boundaries)) < int64(n-1) {
			id := cur.Current()
			key := fmt.Sprint(id)
			if !seen[key] {
				seen[key] = true
				boundaries = append(boundaries, id)
			}
		}
		i++
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("sorted ids scan: %w", err)
	}
	return rangesFromBoundaries(boundaries), nil
}

// rangesFromBoundaries concatenates inner boundaries into N contiguous
// ranges. Coverage can legitimately yield fewer than N ranges in
// pathological distributions (spec.md §9 open question), which is
// acceptable as long as disjointness and coverage hold.
func rangesFromBoundaries(boundaries []interface{}) Plan {
	plan := make(Plan, 0, len(boundaries)+1)
	prev := OpenBound()
	for _, b := range boundaries {
		plan = append(plan, Range{Lower: prev, Upper: Bound{Value: b}})
		prev = Bound{Value: b}
	}
	plan = append(plan, Range{Lower: prev, Upper: OpenBound()})
	return plan
}
