// Package attrs reads values back out of slog-style key/value lists.
package attrs

// Lookup returns the value following key in kv, a [k1, v1, k2, v2, ...]
// list, when it has type T. Non-string keys and a trailing key without a
// value are skipped.
func Lookup[T any](kv []any, key string) (T, bool) {
	var zero T
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); !ok || k != key {
			continue
		}
		v, ok := kv[i+1].(T)
		return v, ok
	}
	return zero, false
}

// ExtractString returns the string stored under key, or "".
func ExtractString(kv []any, key string) string {
	v, _ := Lookup[string](kv, key)
	return v
}

// ExtractInt64 returns the integer stored under key, or 0. Plain ints are
// widened.
func ExtractInt64(kv []any, key string) int64 {
	if v, ok := Lookup[int64](kv, key); ok {
		return v
	}
	if v, ok := Lookup[int](kv, key); ok {
		return int64(v)
	}
	return 0
}
