// Package document defines the dynamic, ordered document model the
// snapshot engine reads from the source collection and hands to the
// writers.
package document

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindTime
	KindDecimal
	KindObjectID
	KindArray
	KindObject
)

// Value is a tagged union over every type a BSON field can hold that
// this engine understands. Only one of the typed fields is valid,
// selected by Kind.
type Value struct {
	Kind     Kind
	Bool     bool
	Int64    int64
	Float64  float64
	String   string
	Bytes    []byte
	Time     time.Time
	Decimal  decimal.Decimal
	ObjectID primitive.ObjectID
	Array    []Value
	Object   *Document
}

func Null() Value                { return Value{Kind: KindNull} }
func FromBool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func FromInt64(i int64) Value    { return Value{Kind: KindInt64, Int64: i} }
func FromFloat64(f float64) Value { return Value{Kind: KindFloat64, Float64: f} }
func FromString(s string) Value  { return Value{Kind: KindString, String: s} }
func FromBytes(b []byte) Value   { return Value{Kind: KindBytes, Bytes: b} }
func FromTime(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func FromDecimal(d decimal.Decimal) Value {
	return Value{Kind: KindDecimal, Decimal: d}
}
func FromObjectID(id primitive.ObjectID) Value {
	return Value{Kind: KindObjectID, ObjectID: id}
}
func FromArray(a []Value) Value { return Value{Kind: KindArray, Array: a} }
func FromObject(o *Document) Value { return Value{Kind: KindObject, Object: o} }

// Document is an ordered string-keyed mapping, preserving field order
// as read from the source so that round-tripped output is stable.
type Document struct {
	keys   []string
	fields map[string]Value
}

// NewDocument returns an empty, ready-to-use Document.
func NewDocument() *Document {
	return &Document{fields: make(map[string]Value)}
}

// Set inserts or overwrites a field, appending to the key order on
// first insertion.
func (d *Document) Set(key string, v Value) {
	if _, ok := d.fields[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.fields[key] = v
}

// Get returns the field value and whether it was present.
func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.fields[key]
	return v, ok
}

// Keys returns field names in insertion order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// SortedKeys returns field names sorted lexicographically, with "_id"
// forced first if present. This is the column-ordering rule the CSV
// and Parquet writers use for schema inference (spec.md §4.4.2/§4.4.3).
func (d *Document) SortedKeys() []string {
	hasID := false
	rest := make([]string, 0, len(d.keys))
	for _, k := range d.keys {
		if k == "_id" {
			hasID = true
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	if hasID {
		return append([]string{"_id"}, rest...)
	}
	return rest
}

// ID returns the document's primary key, which every document in this
// system is expected to carry.
func (d *Document) ID() (Value, bool) {
	return d.Get("_id")
}

// String renders a Value for diagnostic purposes; it is not used for
// wire or on-disk serialization.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprint(v.Bool)
	case KindInt64:
		return fmt.Sprint(v.Int64)
	case KindFloat64:
		return fmt.Sprint(v.Float64)
	case KindString:
		return v.String
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case KindTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case KindDecimal:
		return v.Decimal.String()
	case KindObjectID:
		return v.ObjectID.Hex()
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.Array))
	case KindObject:
		return "object"
	default:
		return ""
	}
}
