// Package args holds the host-side kernel arguments: typed arrays that are
// copied to the device and scalars that are passed by value.
package args

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/x448/float16"
)

type Kind uint8

const (
	Float32 Kind = iota + 1
	Float64
	Float16
	Int32
	Int64
	Uint32
)

func (k Kind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ElemSize is the size of one element in bytes.
func (k Kind) ElemSize() int {
	switch k {
	case Float16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (k Kind) IsFloat() bool { return k == Float16 || k == Float32 || k == Float64 }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "f32":
		return Float32, nil
	case "float64", "double", "f64":
		return Float64, nil
	case "float16", "half", "f16":
		return Float16, nil
	case "int32", "int", "i32":
		return Int32, nil
	case "int64", "long", "i64":
		return Int64, nil
	case "uint32", "uint", "u32":
		return Uint32, nil
	default:
		return 0, fmt.Errorf("unknown argument type %q", s)
	}
}

// Arg is one kernel argument. Arrays are uploaded to device memory, scalars
// are passed by value. The backing slice is shared by copies of an Arg.
type Arg struct {
	Name   string
	Kind   Kind
	Scalar bool
	data   any
}

func Float32s(name string, v []float32) Arg { return Arg{Name: name, Kind: Float32, data: v} }
func Float64s(name string, v []float64) Arg { return Arg{Name: name, Kind: Float64, data: v} }
func Float16s(name string, v []float16.Float16) Arg {
	return Arg{Name: name, Kind: Float16, data: v}
}
func Int32s(name string, v []int32) Arg   { return Arg{Name: name, Kind: Int32, data: v} }
func Int64s(name string, v []int64) Arg   { return Arg{Name: name, Kind: Int64, data: v} }
func Uint32s(name string, v []uint32) Arg { return Arg{Name: name, Kind: Uint32, data: v} }

// Scalar builds a by-value argument holding v converted to kind.
func Scalar(name string, kind Kind, v float64) Arg {
	a := New(name, kind, 1)
	a.Scalar = true
	a.Set(0, v)
	return a
}

// New allocates a zeroed array argument of n elements.
func New(name string, kind Kind, n int) Arg {
	a := Arg{Name: name, Kind: kind}
	switch kind {
	case Float32:
		a.data = make([]float32, n)
	case Float64:
		a.data = make([]float64, n)
	case Float16:
		a.data = make([]float16.Float16, n)
	case Int32:
		a.data = make([]int32, n)
	case Int64:
		a.data = make([]int64, n)
	case Uint32:
		a.data = make([]uint32, n)
	}
	return a
}

func (a Arg) Len() int {
	switch v := a.data.(type) {
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []float16.Float16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []uint32:
		return len(v)
	default:
		return 0
	}
}

// Size is the number of bytes the argument occupies.
func (a Arg) Size() int64 { return int64(a.Len() * a.Kind.ElemSize()) }

// Bytes views the backing storage as bytes without copying.
func (a Arg) Bytes() []byte {
	n := int(a.Size())
	if n == 0 {
		return nil
	}
	var p unsafe.Pointer
	switch v := a.data.(type) {
	case []float32:
		p = unsafe.Pointer(&v[0])
	case []float64:
		p = unsafe.Pointer(&v[0])
	case []float16.Float16:
		p = unsafe.Pointer(&v[0])
	case []int32:
		p = unsafe.Pointer(&v[0])
	case []int64:
		p = unsafe.Pointer(&v[0])
	case []uint32:
		p = unsafe.Pointer(&v[0])
	}
	return unsafe.Slice((*byte)(p), n)
}

// At returns element i widened to float64.
func (a Arg) At(i int) float64 {
	switch v := a.data.(type) {
	case []float32:
		return float64(v[i])
	case []float64:
		return v[i]
	case []float16.Float16:
		return float64(v[i].Float32())
	case []int32:
		return float64(v[i])
	case []int64:
		return float64(v[i])
	case []uint32:
		return float64(v[i])
	default:
		panic("args: At on empty argument")
	}
}

// Set stores x into element i, narrowing to the argument's type.
func (a Arg) Set(i int, x float64) {
	switch v := a.data.(type) {
	case []float32:
		v[i] = float32(x)
	case []float64:
		v[i] = x
	case []float16.Float16:
		v[i] = float16.Fromfloat32(float32(x))
	case []int32:
		v[i] = int32(x)
	case []int64:
		v[i] = int64(x)
	case []uint32:
		v[i] = uint32(x)
	default:
		panic("args: Set on empty argument")
	}
}

// Data returns the typed backing slice.
func (a Arg) Data() any { return a.data }

// Clone deep-copies the argument.
func (a Arg) Clone() Arg {
	c := a.Zeroed()
	copy(c.Bytes(), a.Bytes())
	return c
}

// Zeroed returns an argument of the same name, type and length with fresh
// zeroed storage.
func (a Arg) Zeroed() Arg {
	c := New(a.Name, a.Kind, a.Len())
	c.Scalar = a.Scalar
	return c
}

func (a Arg) String() string {
	if a.Scalar {
		return fmt.Sprintf("%s %s=%v", a.Kind, a.Name, a.At(0))
	}
	return fmt.Sprintf("%s %s[%d]", a.Kind, a.Name, a.Len())
}

// List is the ordered argument list of a kernel.
type List []Arg

// Index returns the position of the argument called name.
func (l List) Index(name string) (int, bool) {
	for i, a := range l {
		if a.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Clone deep-copies every argument.
func (l List) Clone() List {
	out := make(List, len(l))
	for i, a := range l {
		out[i] = a.Clone()
	}
	return out
}
