package config

import "github.com/jcputter/resoto/pkg/bus"

// DeepMerge merges right into left without mutating either. Maps merge
// recursively; any other right-hand value replaces the left one, except that a
// falsy right-hand value is dropped when the left already has the key. The
// operation is idempotent: DeepMerge(x, x) == x.
func DeepMerge(left, right bus.Json) bus.Json {
	out := make(bus.Json, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		leftMap, leftIsMap := existing.(map[string]interface{})
		rightMap, rightIsMap := v.(map[string]interface{})
		switch {
		case leftIsMap && rightIsMap:
			out[k] = DeepMerge(leftMap, rightMap)
		case falsy(v):
			// keep the left value
		default:
			out[k] = v
		}
	}
	return out
}

// falsy mirrors the truthiness rules the merge was written against: nil,
// false, empty strings, zero numbers, and empty containers.
func falsy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return true
	case bool:
		return !value
	case string:
		return value == ""
	case int:
		return value == 0
	case int64:
		return value == 0
	case float64:
		return value == 0
	case map[string]interface{}:
		return len(value) == 0
	case []interface{}:
		return len(value) == 0
	default:
		return false
	}
}
