package engine

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// value classes in sort order, missing and null first
const (
	classNull = iota
	classNumber
	classString
	classObject
	classArray
	classBool
	classTime
	classOther
)

func classify(value interface{}) int {
	switch value.(type) {
	case nil:
		return classNull
	case string:
		return classString
	case bool:
		return classBool
	case time.Time:
		return classTime
	case map[string]interface{}:
		return classObject
	case []interface{}:
		return classArray
	}
	if _, ok := toFloat(value); ok {
		return classNumber
	}
	return classOther
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// compareValues orders two values of the same class. ok is false when the
// classes differ or the class has no order, in which case range operators fail.
func compareValues(a, b interface{}) (result int, ok bool) {
	ca, cb := classify(a), classify(b)
	if ca != cb {
		return 0, false
	}

	switch ca {
	case classNull:
		return 0, true
	case classNumber:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	case classString:
		return strings.Compare(a.(string), b.(string)), true
	case classBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	case classTime:
		return a.(time.Time).Compare(b.(time.Time)), true
	}
	return 0, false
}

// valuesEqual is deep equality with numbers compared by value across Go types
func valuesEqual(a, b interface{}) bool {
	ca, cb := classify(a), classify(b)
	if ca != cb {
		return false
	}

	switch ca {
	case classObject:
		ma, mb := a.(map[string]interface{}), b.(map[string]interface{})
		if len(ma) != len(mb) {
			return false
		}
		for key, va := range ma {
			vb, ok := mb[key]
			if !ok || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	case classArray:
		la, lb := a.([]interface{}), b.([]interface{})
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valuesEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	case classOther:
		return reflect.DeepEqual(a, b)
	}

	result, ok := compareValues(a, b)
	return ok && result == 0
}

// sortCompare is a total order used by the shaper: missing values first, then by
// class, then by value.
func sortCompare(a, b interface{}, aFound, bFound bool) int {
	switch {
	case !aFound && !bFound:
		return 0
	case !aFound:
		return -1
	case !bFound:
		return 1
	}

	ca, cb := classify(a), classify(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	result, _ := compareValues(a, b)
	return result
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// lookupPath collects the values at a dotted path. Arrays met on the way fan out
// over their elements (or are indexed by a numeric segment). An array at the end
// of the path is returned whole and element by element.
func lookupPath(value interface{}, segments []string) ([]interface{}, bool) {
	var values []interface{}
	found := collectPath(value, segments, &values)
	return values, found
}

func collectPath(value interface{}, segments []string, out *[]interface{}) bool {
	if len(segments) == 0 {
		*out = append(*out, value)
		if arr, ok := value.([]interface{}); ok {
			*out = append(*out, arr...)
		}
		return true
	}

	switch v := value.(type) {
	case map[string]interface{}:
		child, ok := v[segments[0]]
		if !ok {
			return false
		}
		return collectPath(child, segments[1:], out)
	case []interface{}:
		if idx, err := strconv.Atoi(segments[0]); err == nil {
			if idx >= 0 && idx < len(v) {
				return collectPath(v[idx], segments[1:], out)
			}
			return false
		}
		found := false
		for _, elem := range v {
			if collectPath(elem, segments, out) {
				found = true
			}
		}
		return found
	}
	return false
}

// firstValue returns the value used as sort key for path
func firstValue(doc Document, path string) (interface{}, bool) {
	values, found := lookupPath(doc, splitPath(path))
	if !found || len(values) == 0 {
		return nil, false
	}
	return values[0], true
}
