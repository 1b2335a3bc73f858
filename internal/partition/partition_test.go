package partition

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeSource is an in-memory Source backed by a sorted slice of
// ObjectIDs with evenly spaced generation times, enough to exercise
// both the timestamp and cursor-sampling strategies.
type fakeSource struct {
	ids []primitive.ObjectID
}

func newFakeSource(n int, start time.Time, step time.Duration) *fakeSource {
	ids := make([]primitive.ObjectID, n)
	for i := 0; i < n; i++ {
		ids[i] = primitive.NewObjectIDFromTimestamp(start.Add(time.Duration(i) * step))
	}
	return &fakeSource{ids: ids}
}

func (f *fakeSource) FindOneSorted(ctx context.Context, filter bson.M, sortAsc bool, projection bson.M) (bson.Raw, error) {
	candidates := f.filterIDs(filter)
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Hex() < candidates[j].Hex()
	})
	var id primitive.ObjectID
	if sortAsc {
		id = candidates[0]
	} else {
		id = candidates[len(candidates)-1]
	}
	doc, err := bson.Marshal(bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	return bson.Raw(doc), nil
}

func (f *fakeSource) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return int64(len(f.ids)), nil
}

func (f *fakeSource) SortedIDs(ctx context.Context, filter bson.M) (IDCursor, error) {
	candidates := f.filterIDs(filter)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Hex() < candidates[j].Hex()
	})
	return &fakeIDCursor{ids: candidates, pos: -1}, nil
}

func (f *fakeSource) filterIDs(filter bson.M) []primitive.ObjectID {
	var cond bson.M
	if v, ok := filter["_id"]; ok {
		cond, _ = v.(bson.M)
	}
	out := make([]primitive.ObjectID, 0, len(f.ids))
	for _, id := range f.ids {
		if cond != nil {
			if gt, ok := cond["$gt"]; ok {
				if id.Hex() <= gt.(primitive.ObjectID).Hex() {
					continue
				}
			}
			if lte, ok := cond["$lte"]; ok {
				if id.Hex() > lte.(primitive.ObjectID).Hex() {
					continue
				}
			}
		}
		out = append(out, id)
	}
	return out
}

type fakeIDCursor struct {
	ids []primitive.ObjectID
	pos int
}

func (c *fakeIDCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.ids)
}
func (c *fakeIDCursor) Current() interface{}            { return c.ids[c.pos] }
func (c *fakeIDCursor) Err() error                      { return nil }
func (c *fakeIDCursor) Close(ctx context.Context) error { return nil }

func TestBuildPlanEmptyCollection(t *testing.T) {
	src := &fakeSource{}
	plan, err := BuildPlan(context.Background(), src, bson.M{}, 4)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.True(t, plan[0].Lower.open())
	require.True(t, plan[0].Upper.open())
}

func TestBuildPlanSinglePartition(t *testing.T) {
	src := newFakeSource(100, time.Now().Add(-time.Hour), time.Second)
	plan, err := BuildPlan(context.Background(), src, bson.M{}, 1)
	require.NoError(t, err)
	require.Len(t, plan, 1)
}

func TestBuildPlanCoversEveryDocumentExactlyOnce(t *testing.T) {
	src := newFakeSource(250, time.Now().Add(-time.Hour), time.Second)
	plan, err := BuildPlan(context.Background(), src, bson.M{}, 5)
	require.NoError(t, err)
	require.True(t, len(plan) >= 1)

	seen := map[string]bool{}
	for _, rng := range plan {
		cur, err := src.SortedIDs(context.Background(), rng.Filter())
		require.NoError(t, err)
		for cur.Next(context.Background()) {
			id := cur.Current().(primitive.ObjectID)
			key := id.Hex()
			require.False(t, seen[key], "document %s emitted by more than one range", key)
			seen[key] = true
		}
	}
	require.Len(t, seen, 250)
}

func TestBuildPlanRangesAreOrderedAndContiguous(t *testing.T) {
	src := newFakeSource(500, time.Now().Add(-2*time.Hour), time.Second)
	plan, err := BuildPlan(context.Background(), src, bson.M{}, 8)
	require.NoError(t, err)

	for i := 1; i < len(plan); i++ {
		require.Equal(t, plan[i-1].Upper.Value, plan[i].Lower.Value, "range %d should start where range %d ended", i, i-1)
	}
	require.True(t, plan[0].Lower.open())
	require.True(t, plan[len(plan)-1].Upper.open())
}

func TestBuildPlanRejectsZeroPartitions(t *testing.T) {
	src := &fakeSource{}
	_, err := BuildPlan(context.Background(), src, bson.M{}, 0)
	require.Error(t, err)
}
