package document

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EstimateSize approximates a document's serialized size for queue byte
// accounting. It intentionally trades accuracy for speed; the queue only
// needs a consistent measure of relative batch weight.
func EstimateSize(doc bson.D) int {
	size := 2
	for _, elem := range doc {
		size += len(elem.Key) + 4 + estimateValue(elem.Value)
	}
	return size
}

func estimateValue(v any) int {
	switch val := v.(type) {
	case nil, primitive.Null, primitive.Undefined, bool:
		return 4
	case int, int32, int64, float32, float64, primitive.DateTime, time.Time, primitive.Timestamp:
		return 8
	case string:
		return len(val) + 2
	case primitive.ObjectID:
		return 24
	case primitive.Binary:
		return len(val.Data)
	case []byte:
		return len(val)
	case bson.D:
		return EstimateSize(val)
	case bson.A:
		size := 2
		for _, item := range val {
			size += estimateValue(item) + 1
		}
		return size
	case []any:
		size := 2
		for _, item := range val {
			size += estimateValue(item) + 1
		}
		return size
	default:
		return 16
	}
}
