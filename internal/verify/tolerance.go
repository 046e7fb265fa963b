package verify

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/kerneltune/internal/args"
)

// Tolerance bounds the accepted element-wise difference for floating point
// outputs: |got-want| <= Abs + Rel*|want|. The zero value demands exact
// equality. Integer outputs are always compared exactly.
type Tolerance struct {
	Abs float64 `json:"abs" yaml:"abs"`
	Rel float64 `json:"rel" yaml:"rel"`
}

// DefaultTolerance matches the absolute tolerance used for single precision
// reference answers.
var DefaultTolerance = Tolerance{Abs: 1e-6}

func (t Tolerance) Validate() error {
	if t.Abs < 0 || t.Rel < 0 || math.IsNaN(t.Abs) || math.IsNaN(t.Rel) {
		return fmt.Errorf("tolerance must be non-negative, got abs=%v rel=%v", t.Abs, t.Rel)
	}
	return nil
}

// Close reports whether got is within t of want. NaNs compare equal to
// NaNs; infinities must match in sign.
func (t Tolerance) Close(got, want float64) bool {
	if got == want {
		return true
	}
	if math.IsNaN(got) || math.IsNaN(want) {
		return math.IsNaN(got) && math.IsNaN(want)
	}
	if math.IsInf(got, 0) || math.IsInf(want, 0) {
		return false
	}
	return math.Abs(got-want) <= t.Abs+t.Rel*math.Abs(want)
}

// mismatch returns the index of the first element of got outside t of want,
// or -1.
func mismatch(got, want args.Arg, t Tolerance) int {
	switch g := got.Data().(type) {
	case []float16.Float16:
		w := want.Data().([]float16.Float16)
		for i := range g {
			if !t.Close(float64(g[i].Float32()), float64(w[i].Float32())) {
				return i
			}
		}
	case []float32:
		w := want.Data().([]float32)
		for i := range g {
			if !t.Close(float64(g[i]), float64(w[i])) {
				return i
			}
		}
	case []float64:
		w := want.Data().([]float64)
		for i := range g {
			if !t.Close(g[i], w[i]) {
				return i
			}
		}
	case []int32:
		return firstDiff(g, want.Data().([]int32))
	case []int64:
		return firstDiff(g, want.Data().([]int64))
	case []uint32:
		return firstDiff(g, want.Data().([]uint32))
	}
	return -1
}

func firstDiff[T comparable](got, want []T) int {
	for i := range got {
		if got[i] != want[i] {
			return i
		}
	}
	return -1
}
