package codec

import "time"

// msgpack hands back whichever integer width fits the wire value, so every
// field read goes through these coercions.

// AsInt64 widens any numeric wire value to int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AsInt narrows any numeric wire value to int.
func AsInt(v any) (int, bool) {
	n, ok := AsInt64(v)
	return int(n), ok
}

// AsString extracts a string wire value.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsBytes extracts a binary wire value.
func AsBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}

// AsDuration extracts a nanosecond count as a time.Duration.
func AsDuration(v any) (time.Duration, bool) {
	n, ok := AsInt64(v)
	return time.Duration(n), ok
}

// AsIntSlice converts a decoded wire list to []int.
func AsIntSlice(v any) ([]int, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, ok := AsInt(item)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// AsStringSlice converts a decoded wire list to []string.
func AsStringSlice(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := AsString(item)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// AsIntMap converts a decoded wire map to map[string]int.
func AsIntMap(v any) (map[string]int, bool) {
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]int, len(fields))
	for key, item := range fields {
		n, ok := AsInt(item)
		if !ok {
			return nil, false
		}
		out[key] = n
	}
	return out, true
}

// AsStringMap converts a decoded wire map to map[string]string.
func AsStringMap(v any) (map[string]string, bool) {
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(fields))
	for key, item := range fields {
		s, ok := AsString(item)
		if !ok {
			return nil, false
		}
		out[key] = s
	}
	return out, true
}
