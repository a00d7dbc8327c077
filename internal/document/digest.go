package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// QueryDigest pins a manifest to the exact query and projection that
// produced it. Canonical extended JSON keeps the encoding deterministic
// for every BSON type; key order follows document order.
func QueryDigest(query, projection bson.D) string {
	wrapper := bson.D{
		{Key: "query", Value: query},
		{Key: "projection", Value: projection},
	}
	data, err := bson.MarshalExtJSON(wrapper, true, false)
	if err != nil {
		// Marshaling bson.D built from decoded values cannot fail in
		// practice; fall back to a stable string form.
		data = []byte(fmt.Sprint(wrapper))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseExtJSON parses an extended-JSON document ($oid, $date supported).
// An empty string yields an empty document.
func ParseExtJSON(s string) (bson.D, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("parse extended JSON: %w", err)
	}
	return doc, nil
}

// EncodeID renders an _id value as canonical extended JSON so checkpoints
// of any ordered key type survive the manifest round trip.
func EncodeID(v any) (string, error) {
	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, true, false)
	if err != nil {
		return "", fmt.Errorf("encode id: %w", err)
	}
	return string(data), nil
}

// DecodeID reverses EncodeID.
func DecodeID(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), true, &doc); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc[0].Value, nil
}

// CompareIDs orders numeric, string, and ObjectID _id values. Mixed types
// rank numbers < strings < ObjectIDs < everything else; two values that are
// both of some other type (dates, timestamps, booleans, ...) compare equal.
func CompareIDs(a, b any) int {
	ta, tb := typeRank(a), typeRank(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case primitive.ObjectID:
		bv := b.(primitive.ObjectID)
		for i := range av {
			if av[i] != bv[i] {
				if av[i] < bv[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	default:
		af, bf := asFloat(a), asFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return 0
	case string:
		return 1
	case primitive.ObjectID:
		return 2
	default:
		return 3
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
