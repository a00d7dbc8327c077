package document

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMarshalJSONLinePreservesInt64(t *testing.T) {
	big := int64(1) << 62
	doc := bson.D{
		{Key: "_id", Value: int64(1)},
		{Key: "n", Value: big},
	}
	line, err := MarshalJSONLine(doc)
	require.NoError(t, err)
	require.Equal(t, `{"_id":1,"n":4611686018427387904}`, string(line))
}

func TestMarshalJSONLineTypes(t *testing.T) {
	oid, err := primitive.ObjectIDFromHex("65a000000000000000000001")
	require.NoError(t, err)
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	doc := bson.D{
		{Key: "_id", Value: oid},
		{Key: "name", Value: "a \"quoted\"\nline"},
		{Key: "ok", Value: true},
		{Key: "score", Value: 1.5},
		{Key: "missing", Value: nil},
		{Key: "at", Value: primitive.NewDateTimeFromTime(ts)},
		{Key: "nested", Value: bson.D{{Key: "k", Value: int32(7)}}},
		{Key: "tags", Value: bson.A{"x", int64(2)}},
	}

	line, err := MarshalJSONLine(doc)
	require.NoError(t, err)

	// The line must itself be valid JSON with no raw newlines.
	require.NotContains(t, string(line), "\n")
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(line, &parsed))

	require.Equal(t, oid.Hex(), parsed["_id"])
	require.Equal(t, "a \"quoted\"\nline", parsed["name"])
	require.Equal(t, true, parsed["ok"])
	require.Equal(t, 1.5, parsed["score"])
	require.Nil(t, parsed["missing"])
	require.Equal(t, "2024-03-01T12:30:00Z", parsed["at"])
	require.Equal(t, map[string]any{"k": float64(7)}, parsed["nested"])
	require.Equal(t, []any{"x", float64(2)}, parsed["tags"])
}

func TestCSVFieldNestedAsJSON(t *testing.T) {
	require.Equal(t, `{"a":1}`, CSVField(bson.D{{Key: "a", Value: int32(1)}}))
	require.Equal(t, `[1,2]`, CSVField(bson.A{int32(1), int32(2)}))
	require.Equal(t, "", CSVField(nil))
	require.Equal(t, "42", CSVField(int64(42)))
}

func TestQueryDigestStable(t *testing.T) {
	q := bson.D{{Key: "status", Value: "active"}}
	p := bson.D{{Key: "_id", Value: int32(1)}}

	d1 := QueryDigest(q, p)
	d2 := QueryDigest(q, p)
	require.Equal(t, d1, d2)
	require.Len(t, d1, 64)

	d3 := QueryDigest(bson.D{{Key: "status", Value: "inactive"}}, p)
	require.NotEqual(t, d1, d3)

	// Digest must distinguish empty query from empty projection swap.
	require.NotEqual(t, QueryDigest(q, bson.D{}), QueryDigest(bson.D{}, q))
}

func TestIDRoundTrip(t *testing.T) {
	for _, id := range []any{int64(42), "key-7", primitive.NewObjectID()} {
		encoded, err := EncodeID(id)
		require.NoError(t, err)
		decoded, err := DecodeID(encoded)
		require.NoError(t, err)
		require.Equal(t, 0, CompareIDs(id, decoded), "id %v did not round-trip (got %v)", id, decoded)
	}

	decoded, err := DecodeID("")
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func TestCompareIDs(t *testing.T) {
	require.Negative(t, CompareIDs(int64(1), int64(2)))
	require.Positive(t, CompareIDs("b", "a"))
	require.Zero(t, CompareIDs(int32(5), int64(5)))

	early := primitive.NewObjectIDFromTimestamp(time.Unix(1000, 0))
	late := primitive.NewObjectIDFromTimestamp(time.Unix(2000, 0))
	require.Negative(t, CompareIDs(early, late))
}

func TestParseExtJSON(t *testing.T) {
	doc, err := ParseExtJSON(`{"status": "active", "at": {"$date": "2024-03-01T00:00:00Z"}}`)
	require.NoError(t, err)
	require.Len(t, doc, 2)

	v, ok := Lookup(doc, "at")
	require.True(t, ok)
	_, isTime := v.(primitive.DateTime)
	require.True(t, isTime, "expected $date to decode as DateTime, got %T", v)

	empty, err := ParseExtJSON("")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = ParseExtJSON("{not json")
	require.Error(t, err)
}
