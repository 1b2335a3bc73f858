package document

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FromBSON converts a raw BSON document, as returned by a mongo-driver
// cursor, into the engine's dynamic Document representation. Field
// order is preserved by decoding into bson.Raw and walking its
// elements rather than into a Go map.
func FromBSON(raw bson.Raw) (*Document, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, fmt.Errorf("read bson elements: %w", err)
	}
	doc := NewDocument()
	for _, e := range elems {
		key := e.Key()
		v, err := fromRawValue(e.Value())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		doc.Set(key, v)
	}
	return doc, nil
}

func fromRawValue(rv bson.RawValue) (Value, error) {
	switch rv.Type {
	case bson.TypeNull, bson.TypeUndefined:
		return Null(), nil
	case bson.TypeBoolean:
		return FromBool(rv.Boolean()), nil
	case bson.TypeInt32:
		return FromInt64(int64(rv.Int32())), nil
	case bson.TypeInt64:
		return FromInt64(rv.Int64()), nil
	case bson.TypeDouble:
		return FromFloat64(rv.Double()), nil
	case bson.TypeString:
		return FromString(rv.StringValue()), nil
	case bson.TypeBinary:
		_, data := rv.Binary()
		return FromBytes(data), nil
	case bson.TypeDateTime:
		return FromTime(rv.Time().UTC()), nil
	case bson.TypeTimestamp:
		t, i := rv.Timestamp()
		return FromTime(time.Unix(int64(t), 0).UTC().Add(time.Duration(i))), nil
	case bson.TypeDecimal128:
		d128 := rv.Decimal128()
		dec, err := decimal.NewFromString(d128.String())
		if err != nil {
			return Value{}, fmt.Errorf("parse decimal128: %w", err)
		}
		return FromDecimal(dec), nil
	case bson.TypeObjectID:
		return FromObjectID(rv.ObjectID()), nil
	case bson.TypeArray:
		arrRaw, err := rv.Array().Values()
		if err != nil {
			return Value{}, fmt.Errorf("read array: %w", err)
		}
		out := make([]Value, 0, len(arrRaw))
		for _, item := range arrRaw {
			iv, err := fromRawValue(item)
			if err != nil {
				return Value{}, err
			}
			out = append(out, iv)
		}
		return FromArray(out), nil
	case bson.TypeEmbeddedDocument:
		sub, err := FromBSON(rv.Document())
		if err != nil {
			return Value{}, err
		}
		return FromObject(sub), nil
	default:
		// Fall back to a string rendering for regex, minkey/maxkey,
		// javascript, etc. — types that never appear in typical
		// collection data but must not abort the snapshot.
		return FromString(rv.String()), nil
	}
}

// ObjectIDGenerationTime extracts the embedded creation timestamp from
// a 12-byte MongoDB ObjectID, used by the timestamp partitioning
// strategy.
func ObjectIDGenerationTime(id primitive.ObjectID) time.Time {
	return id.Timestamp()
}

// RawFieldValue extracts a single top-level field from a raw BSON
// document as a plain Go value suitable for use in a filter or a
// manifest checkpoint, without paying for a full Document conversion.
// ObjectIDs are returned as primitive.ObjectID so callers can hand
// them straight back into a $gt/$lte filter.
func RawFieldValue(raw bson.Raw, key string) (interface{}, error) {
	rv, err := raw.LookupErr(key)
	if err != nil {
		return nil, fmt.Errorf("document missing %q: %w", key, err)
	}
	if rv.Type == bson.TypeObjectID {
		return rv.ObjectID(), nil
	}
	var out interface{}
	if err := rv.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode field %q: %w", key, err)
	}
	return out, nil
}
