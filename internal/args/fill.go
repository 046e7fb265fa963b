package args

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Fill modes for generated arrays.
const (
	FillZeros  = "zeros"
	FillOnes   = "ones"
	FillConst  = "const"
	FillRange  = "range"
	FillRandom = "random"
	FillNormal = "randn"
)

// Fill initialises every element of a according to mode. value is used by
// FillConst; seed makes the random modes reproducible.
func Fill(a Arg, mode string, value float64, seed uint64) error {
	n := a.Len()
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", FillZeros:
		clear(a.Bytes())
	case FillOnes:
		for i := range n {
			a.Set(i, 1)
		}
	case FillConst:
		for i := range n {
			a.Set(i, value)
		}
	case FillRange:
		for i := range n {
			a.Set(i, float64(i))
		}
	case FillRandom:
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		for i := range n {
			if a.Kind.IsFloat() {
				a.Set(i, r.Float64())
			} else {
				a.Set(i, float64(r.IntN(1<<16)))
			}
		}
	case FillNormal:
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		for i := range n {
			a.Set(i, r.NormFloat64())
		}
	default:
		return fmt.Errorf("unknown fill mode %q", mode)
	}
	return nil
}
