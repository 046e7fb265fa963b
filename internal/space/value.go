package space

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type kind uint8

const (
	kindInt kind = iota
	kindFloat
	kindString
)

// Value is a single candidate value of a tunable parameter.
type Value struct {
	kind kind
	i    int64
	f    float64
	s    string
}

func Int(v int64) Value     { return Value{kind: kindInt, i: v} }
func Float(v float64) Value { return Value{kind: kindFloat, f: v} }
func String(v string) Value { return Value{kind: kindString, s: v} }

// Ints is a shorthand for a list of integer candidates.
func Ints(vs ...int64) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Int(v)
	}
	return out
}

// ParseValue converts a decoded YAML/JSON scalar into a Value.
func ParseValue(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("value %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case bool:
		if x {
			return Int(1), nil
		}
		return Int(0), nil
	case interface {
		Int64() (int64, error)
		Float64() (float64, error)
	}:
		if n, err := x.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter value %v (%T)", v, v)
	}
}

// Int returns the value as an integer. Floats are accepted when they are
// integral.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case kindInt:
		return v.i, true
	case kindFloat:
		if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) {
			return int64(v.f), true
		}
	}
	return 0, false
}

func (v Value) Float() (float64, bool) {
	switch v.kind {
	case kindInt:
		return float64(v.i), true
	case kindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) IsString() bool { return v.kind == kindString }

// Any returns the Go value used when evaluating restriction expressions.
func (v Value) Any() any {
	switch v.kind {
	case kindInt:
		return int(v.i)
	case kindFloat:
		return v.f
	default:
		return v.s
	}
}

// String renders the value the way it is written into kernel source.
// Integral floats keep a fractional part so they stay distinct from integers.
func (v Value) String() string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindFloat:
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !math.IsInf(v.f, 0) && !math.IsNaN(v.f) && !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return v.s
	}
}

func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.i == o.i && v.f == o.f && v.s == o.s
}
