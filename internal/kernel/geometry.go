package kernel

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/kerneltune/internal/space"
)

// ErrInvalidGeometry reports a problem size or divisor that cannot produce a
// launch shape.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Block size parameters by axis.
const (
	BlockSizeX = "block_size_x"
	BlockSizeY = "block_size_y"
	BlockSizeZ = "block_size_z"
)

var blockParams = [3]string{BlockSizeX, BlockSizeY, BlockSizeZ}

// Dim3 is a launch dimension. Unused axes are 1.
type Dim3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (d Dim3) Volume() int { return d.X * d.Y * d.Z }

func (d Dim3) axis(i int) int {
	switch i {
	case 0:
		return d.X
	case 1:
		return d.Y
	default:
		return d.Z
	}
}

func (d Dim3) String() string { return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z) }

// Extent is one axis of the problem size: either a fixed count or the name
// of a tunable parameter whose value is the count.
type Extent struct {
	N     int64
	Param string
}

func (e Extent) String() string {
	if e.Param != "" {
		return e.Param
	}
	return fmt.Sprint(e.N)
}

// ProblemSize has one to three extents.
type ProblemSize []Extent

// Size is a ProblemSize of fixed extents.
func Size(n ...int64) ProblemSize {
	p := make(ProblemSize, len(n))
	for i, v := range n {
		p[i] = Extent{N: v}
	}
	return p
}

// SizeFrom is a one-dimensional ProblemSize taken from a tunable parameter.
func SizeFrom(param string) ProblemSize {
	return ProblemSize{{Param: param}, {N: 1}}
}

func (p ProblemSize) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (p ProblemSize) resolve(cfg space.Config) ([]int64, error) {
	if len(p) == 0 || len(p) > 3 {
		return nil, fmt.Errorf("%w: problem size must have 1 to 3 dimensions, got %d", ErrInvalidGeometry, len(p))
	}
	out := make([]int64, len(p))
	for i, e := range p {
		n := e.N
		if e.Param != "" {
			v, ok := cfg.Int(e.Param)
			if !ok {
				return nil, fmt.Errorf("%w: problem size refers to unknown or non-integer parameter %q", ErrInvalidGeometry, e.Param)
			}
			n = v
		}
		if n <= 0 {
			return nil, fmt.Errorf("%w: problem size %s has non-positive extent on axis %d", ErrInvalidGeometry, p, i)
		}
		out[i] = n
	}
	return out, nil
}

// GridDivisors names, per axis, the parameters whose product divides the
// problem size. A nil X means {block_size_x}; an empty non-nil list means no
// division on that axis.
type GridDivisors struct {
	X []string
	Y []string
	Z []string
}

func (g GridDivisors) axis(i int) []string {
	switch i {
	case 0:
		if g.X == nil {
			return []string{BlockSizeX}
		}
		return g.X
	case 1:
		return g.Y
	default:
		return g.Z
	}
}

// Geometry is the launch shape of one configuration.
type Geometry struct {
	Block Dim3
	Grid  Dim3
	// Dims is the number of grid components reported to kernels and in
	// results; at least 2.
	Dims int
}

// GridSize returns the grid as a tuple of Dims components.
func (g Geometry) GridSize() []int {
	n := max(g.Dims, 2)
	out := make([]int, n)
	for i := range out {
		out[i] = g.Grid.axis(i)
	}
	return out
}

// Threads is the number of threads in one block.
func (g Geometry) Threads() int { return g.Block.Volume() }

// ComputeGeometry derives block and grid dimensions for cfg. Block axes come
// from the block_size_* parameters (1 when absent); each grid axis is the
// ceiling of the problem extent over the product of that axis' divisors.
func ComputeGeometry(problem ProblemSize, cfg space.Config, div GridDivisors) (Geometry, error) {
	extents, err := problem.resolve(cfg)
	if err != nil {
		return Geometry{}, err
	}

	var block [3]int
	for i, name := range blockParams {
		block[i] = 1
		v, ok := cfg.Get(name)
		if !ok {
			continue
		}
		n, ok := v.Int()
		if !ok || n <= 0 {
			return Geometry{}, fmt.Errorf("%w: %s=%s is not a positive integer", ErrInvalidGeometry, name, v)
		}
		block[i] = int(n)
	}

	var grid [3]int
	for i := range grid {
		grid[i] = 1
		if i >= len(extents) {
			continue
		}
		d, err := divisor(cfg, div.axis(i))
		if err != nil {
			return Geometry{}, err
		}
		grid[i] = int(math.Ceil(float64(extents[i]) / float64(d)))
		if grid[i] < 1 {
			grid[i] = 1
		}
	}

	return Geometry{
		Block: Dim3{X: block[0], Y: block[1], Z: block[2]},
		Grid:  Dim3{X: grid[0], Y: grid[1], Z: grid[2]},
		Dims:  max(len(extents), 2),
	}, nil
}

func divisor(cfg space.Config, names []string) (int64, error) {
	d := int64(1)
	for _, name := range names {
		v, ok := cfg.Get(name)
		if !ok {
			return 0, fmt.Errorf("%w: grid divisor %q is not a tunable parameter", ErrInvalidGeometry, name)
		}
		n, ok := v.Int()
		if !ok || n <= 0 {
			return 0, fmt.Errorf("%w: grid divisor %s=%s is not a positive integer", ErrInvalidGeometry, name, v)
		}
		d *= n
	}
	return d, nil
}
