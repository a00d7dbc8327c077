// Package document converts BSON documents to the engine's output
// representations: compact JSON lines, CSV fields, and Parquet values.
package document

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MarshalJSONLine renders doc as a single compact JSON object with no
// trailing newline. Integers keep full 64-bit precision, timestamps are
// RFC-3339 UTC strings, ObjectIDs are 24-char hex, binary is base64.
func MarshalJSONLine(doc bson.D) ([]byte, error) {
	buf := make([]byte, 0, 256)
	return appendDocument(buf, doc)
}

func appendDocument(buf []byte, doc bson.D) ([]byte, error) {
	var err error
	buf = append(buf, '{')
	for i, elem := range doc {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf, err = appendString(buf, elem.Key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ':')
		buf, err = appendValue(buf, elem.Value)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}

func appendArray(buf []byte, arr bson.A) ([]byte, error) {
	var err error
	buf = append(buf, '[')
	for i, v := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, ']'), nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return append(buf, "null"...), nil
	case bool:
		return strconv.AppendBool(buf, val), nil
	case string:
		return appendString(buf, val)
	case int:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(buf, val, 10), nil
	case float64:
		return appendFloat(buf, val), nil
	case float32:
		return appendFloat(buf, float64(val)), nil
	case primitive.ObjectID:
		buf = append(buf, '"')
		buf = append(buf, val.Hex()...)
		return append(buf, '"'), nil
	case primitive.DateTime:
		return appendTime(buf, val.Time().UTC()), nil
	case time.Time:
		return appendTime(buf, val.UTC()), nil
	case primitive.Timestamp:
		return appendTime(buf, time.Unix(int64(val.T), 0).UTC()), nil
	case primitive.Binary:
		return appendBase64(buf, val.Data), nil
	case []byte:
		return appendBase64(buf, val), nil
	case primitive.Decimal128:
		return appendString(buf, val.String())
	case primitive.Regex:
		return appendString(buf, val.Pattern)
	case bson.D:
		return appendDocument(buf, val)
	case primitive.M:
		// Rare in decoded documents; delegate for deterministic key order.
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, raw...), nil
	case bson.A:
		return appendArray(buf, val)
	case []any:
		return appendArray(buf, bson.A(val))
	default:
		return nil, fmt.Errorf("unsupported BSON value type %T", v)
	}
}

func appendString(buf []byte, s string) ([]byte, error) {
	// encoding/json handles escaping and control characters; a JSON string
	// never contains a raw newline, which the JSONL contract requires.
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return append(buf, raw...), nil
}

func appendFloat(buf []byte, f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(buf, "null"...)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}

func appendTime(buf []byte, t time.Time) []byte {
	buf = append(buf, '"')
	buf = t.AppendFormat(buf, time.RFC3339Nano)
	return append(buf, '"')
}

func appendBase64(buf []byte, data []byte) []byte {
	buf = append(buf, '"')
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(enc, data)
	buf = append(buf, enc...)
	return append(buf, '"')
}

// CSVField renders a single value for a CSV cell. Nested documents and
// arrays become embedded JSON so the cell round-trips.
func CSVField(v any) string {
	switch val := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case primitive.Binary:
		return base64.StdEncoding.EncodeToString(val.Data)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case primitive.Decimal128:
		return val.String()
	default:
		buf, err := appendValue(nil, v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(buf)
	}
}

// ParquetValue normalizes a BSON value for the Parquet sink. ObjectIDs
// become their 24-char hex string; nested structures become JSON strings.
func ParquetValue(v any) any {
	switch val := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return nil
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case time.Time:
		return val.UTC()
	case primitive.Binary:
		return val.Data
	case primitive.Decimal128:
		return val.String()
	case int:
		return int64(val)
	case int32, int64, float64, float32, bool, string, []byte:
		return val
	case bson.D, bson.A, []any, primitive.M:
		buf, err := appendValue(nil, v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(buf)
	default:
		return fmt.Sprint(v)
	}
}

// Lookup resolves a top-level key in a document.
func Lookup(doc bson.D, key string) (any, bool) {
	for _, elem := range doc {
		if elem.Key == key {
			return elem.Value, true
		}
	}
	return nil, false
}

// ID returns the document's _id, or nil if absent.
func ID(doc bson.D) any {
	v, _ := Lookup(doc, "_id")
	return v
}
