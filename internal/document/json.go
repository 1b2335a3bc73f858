package document

import (
	"fmt"

	gojson "github.com/goccy/go-json"
)

// MarshalJSON renders the document as compact JSON with RFC-3339
// timestamps, matching the on-disk JSONL contract in spec.md §6.
// go-json is used in place of encoding/json for the row-at-a-time hot
// path; its output is byte-for-byte compatible with the standard
// library's compact encoding.
func (d *Document) MarshalJSON() ([]byte, error) {
	// Encoded through an ordered pair list rather than a Go map, which
	// go-json (like encoding/json) would otherwise sort by key.
	return marshalOrdered(d)
}

func marshalOrdered(d *Document) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for i, k := range d.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := gojson.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := gojson.Marshal(mustJSONValue(d.fields[k]))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func mustJSONValue(v Value) interface{} {
	jv, _ := toJSONValue(v)
	return jv
}

func toJSONValue(v Value) (interface{}, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt64:
		return v.Int64, nil
	case KindFloat64:
		return v.Float64, nil
	case KindString:
		return v.String, nil
	case KindBytes:
		return v.Bytes, nil // go-json base64-encodes []byte, as encoding/json does
	case KindTime:
		return v.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
	case KindDecimal:
		return v.Decimal.String(), nil
	case KindObjectID:
		return v.ObjectID.Hex(), nil
	case KindArray:
		out := make([]interface{}, len(v.Array))
		for i, item := range v.Array {
			jv, err := toJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = jv
		}
		return out, nil
	case KindObject:
		// Nested documents keep their field order as well.
		b, err := marshalOrdered(v.Object)
		if err != nil {
			return nil, err
		}
		return gojson.RawMessage(b), nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// CSVCell renders a Value as a single CSV field. Nested mappings and
// sequences are serialized as an embedded compact JSON string per
// spec.md §4.4.2, so that round-tripping through the CSV is lossless.
func CSVCell(v Value) (string, error) {
	switch v.Kind {
	case KindNull:
		return "", nil
	case KindBool:
		if v.Bool {
			return "true", nil
		}
		return "false", nil
	case KindInt64:
		return fmt.Sprintf("%d", v.Int64), nil
	case KindFloat64:
		return fmt.Sprintf("%g", v.Float64), nil
	case KindString:
		return v.String, nil
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes), nil
	case KindTime:
		return v.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil
	case KindDecimal:
		return v.Decimal.String(), nil
	case KindObjectID:
		return v.ObjectID.Hex(), nil
	case KindArray, KindObject:
		jv, err := toJSONValue(v)
		if err != nil {
			return "", err
		}
		b, err := gojson.Marshal(jv)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown value kind %d", v.Kind)
	}
}
