// Package model defines core data structures for TrackFlow.
package model

import (
	"fmt"
	"strconv"
)

// ValueKind indicates the semantic type of a metric value.
type ValueKind uint8

const (
	KindFloat ValueKind = iota
	KindInt
	KindBool
	KindString
)

// Value is a closed tagged union over the four metric value types.
// Values are immutable once constructed. The zero Value is Float(0).
type Value struct {
	kind ValueKind
	f    float64
	i    int64
	b    bool
	s    string
}

// Float wraps a 64-bit float.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Int wraps a 64-bit signed integer.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String wraps a UTF-8 string.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the value's type tag.
func (v Value) Kind() ValueKind { return v.kind }

// AsFloat returns the value as a float64. Ints are widened; the second
// return is false for bool and string values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsInt returns the underlying integer.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsBool returns the underlying boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the underlying string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Interface returns the value as its native Go type, for JSON encoding.
func (v Value) Interface() any {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	default:
		return v.s
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

// MarshalYAML renders the value as a native YAML scalar.
func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

// UnmarshalYAML decodes a YAML scalar into the matching variant.
// Total over the scalar types a config.yaml can contain.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*v = Int(i)
		return nil
	}
	var f float64
	if err := unmarshal(&f); err == nil {
		*v = Float(f)
		return nil
	}
	var b bool
	if err := unmarshal(&b); err == nil {
		*v = Bool(b)
		return nil
	}
	var s string
	if err := unmarshal(&s); err == nil {
		*v = String(s)
		return nil
	}
	return fmt.Errorf("model: unsupported param value")
}

// ValueOf converts a native Go value into a Value. This is the total
// conversion boundary for dynamically-typed callers; unsupported types
// fall back to their string rendering.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case float64:
		return Float(x)
	case float32:
		return Float(float64(x))
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return Int(int64(x))
	case uint64:
		return Int(int64(x))
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case fmt.Stringer:
		return String(x.String())
	default:
		return String(fmt.Sprint(x))
	}
}
