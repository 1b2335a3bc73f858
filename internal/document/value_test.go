package document

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestDocumentKeysPreserveInsertionOrder(t *testing.T) {
	d := NewDocument()
	d.Set("b", FromInt64(2))
	d.Set("a", FromInt64(1))
	d.Set("_id", FromInt64(0))

	require.Equal(t, []string{"b", "a", "_id"}, d.Keys())
}

func TestSortedKeysForcesIDFirst(t *testing.T) {
	d := NewDocument()
	d.Set("zeta", FromInt64(1))
	d.Set("_id", FromInt64(0))
	d.Set("alpha", FromInt64(2))

	require.Equal(t, []string{"_id", "alpha", "zeta"}, d.SortedKeys())
}

func TestMarshalJSONPreservesFieldOrder(t *testing.T) {
	d := NewDocument()
	d.Set("z", FromString("last"))
	d.Set("a", FromString("first"))

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"z":"last","a":"first"}`, string(b))
}

func TestMarshalJSONValueKinds(t *testing.T) {
	d := NewDocument()
	d.Set("n", Null())
	d.Set("b", FromBool(true))
	d.Set("i", FromInt64(42))
	d.Set("f", FromFloat64(1.5))
	d.Set("s", FromString("hi"))
	oid := primitive.NewObjectID()
	d.Set("oid", FromObjectID(oid))
	dec, _ := decimal.NewFromString("3.14")
	d.Set("dec", FromDecimal(dec))
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d.Set("t", FromTime(ts))

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"n":null`)
	require.Contains(t, string(b), `"b":true`)
	require.Contains(t, string(b), `"i":42`)
	require.Contains(t, string(b), `"oid":"`+oid.Hex()+`"`)
	require.Contains(t, string(b), `"dec":"3.14"`)
	require.Contains(t, string(b), `"t":"2024-01-02T03:04:05.000Z"`)
}

func TestCSVCellEmbedsNestedValuesAsJSON(t *testing.T) {
	inner := NewDocument()
	inner.Set("x", FromInt64(1))
	cell, err := CSVCell(FromObject(inner))
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, cell)

	arrCell, err := CSVCell(FromArray([]Value{FromInt64(1), FromInt64(2)}))
	require.NoError(t, err)
	require.Equal(t, `[1,2]`, arrCell)
}

func TestCSVCellScalars(t *testing.T) {
	cell, err := CSVCell(Null())
	require.NoError(t, err)
	require.Equal(t, "", cell)

	cell, err = CSVCell(FromBool(false))
	require.NoError(t, err)
	require.Equal(t, "false", cell)
}
