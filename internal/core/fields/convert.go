package fields

import (
	"reflect"
)

// Convert materializes a loosely-typed remote value into the static type T.
// Direct assignability wins; otherwise numeric values are converted across
// widths, which covers JSON decoding producing float64 for every number.
// Returns false when no safe conversion exists.
func Convert[T any](value any) (T, bool) {
	var zero T
	if value == nil {
		return zero, false
	}
	if t, ok := value.(T); ok {
		return t, true
	}

	target := reflect.TypeOf(zero)
	if target == nil {
		// T is an interface type; the direct assertion above already failed.
		return zero, false
	}
	src := reflect.ValueOf(value)
	if isNumericKind(src.Kind()) && isNumericKind(target.Kind()) {
		return src.Convert(target).Interface().(T), true
	}
	return zero, false
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// equal compares two values of the same static type, falling back to deep
// equality for non-comparable types.
func equal[T any](a, b T) bool {
	if ca, ok := any(a).(interface{ Equal(T) bool }); ok {
		return ca.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}
