package helpers

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Normalize converts bson container types (M, D, A) and typed slices into plain
// map[string]any and []any so the query engine only has to deal with one shape.
// Scalars, regexes and functions are returned unchanged, bson datetimes become time.Time.
func Normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = Normalize(val)
		}
		return out
	case primitive.M:
		return Normalize(map[string]interface{}(v))
	case primitive.D:
		out := make(map[string]interface{}, len(v))
		for _, elem := range v {
			out[elem.Key] = Normalize(elem.Value)
		}
		return out
	case primitive.E:
		return map[string]interface{}{v.Key: Normalize(v.Value)}
	case primitive.A:
		return Normalize([]interface{}(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Normalize(val)
		}
		return out
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.ObjectID:
		return v.Hex()
	case []byte:
		return v
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	}

	return value
}

// NormalizeMap is Normalize for documents. A nil input yields nil.
func NormalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return Normalize(m).(map[string]interface{})
}

// ParseExtJSON parses a relaxed MongoDB extended JSON document, e.g. a predicate
// typed on the command line.
func ParseExtJSON(text string) (map[string]interface{}, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON([]byte(text), false, &doc); err != nil {
		return nil, fmt.Errorf("error decoding extended JSON %q: %w", text, err)
	}
	return NormalizeMap(doc), nil
}

// ParseOrderedExtJSON parses an extended JSON document keeping key order, which
// matters for sort specifications.
func ParseOrderedExtJSON(text string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(text), false, &doc); err != nil {
		return nil, fmt.Errorf("error decoding extended JSON %q: %w", text, err)
	}
	return doc, nil
}
