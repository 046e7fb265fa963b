// Package verify checks a compiled kernel variant against reference
// outputs before it is benchmarked.
package verify

import (
	"context"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/space"
)

// Outcome is the verdict of one check. For a failed check Arg and Index
// locate the first mismatching element.
type Outcome struct {
	OK    bool
	Arg   string
	Index int
	Got   float64
	Want  float64
}

func (o Outcome) String() string {
	if o.OK {
		return "ok"
	}
	return fmt.Sprintf("%s[%d] = %v, want %v", o.Arg, o.Index, o.Got, o.Want)
}

// Expects reports whether answer holds a reference for argument i.
func Expects(answer []args.Arg, i int) bool {
	return i < len(answer) && answer[i].Data() != nil
}

// ValidateAnswer checks that every reference matches the type and length of
// the argument it is compared against.
func ValidateAnswer(argv args.List, answer []args.Arg) error {
	if len(answer) > len(argv) {
		return fmt.Errorf("%w: %d reference outputs for %d arguments", space.ErrConfiguration, len(answer), len(argv))
	}
	for i := range answer {
		if !Expects(answer, i) {
			continue
		}
		a, w := argv[i], answer[i]
		if a.Scalar {
			return fmt.Errorf("%w: reference given for scalar argument %s", space.ErrConfiguration, a.Name)
		}
		if a.Kind != w.Kind || a.Len() != w.Len() {
			return fmt.Errorf("%w: reference for %s is %d x %s, argument is %d x %s",
				space.ErrConfiguration, a.Name, w.Len(), w.Kind, a.Len(), a.Kind)
		}
	}
	return nil
}

// Check runs k once and compares the outputs that have a reference
// element-wise within tol. Every array argument is uploaded from argv before
// the run, so earlier launches on the same buffers cannot leak into the
// check, and the referenced outputs are then zeroed so a kernel that writes
// nothing cannot pass. A mismatch is reported in the Outcome, not as an
// error; backend failures are returned unchanged. Afterwards the arguments
// are restored again for benchmarking.
func Check(ctx context.Context, b backend.Backend, k backend.Kernel, bufs []backend.Buffer, argv args.List, answer []args.Arg, geom kernel.Geometry, tol Tolerance) (Outcome, error) {
	if len(bufs) != len(argv) {
		return Outcome{}, fmt.Errorf("%w: %d buffers for %d arguments", space.ErrConfiguration, len(bufs), len(argv))
	}
	if err := ValidateAnswer(argv, answer); err != nil {
		return Outcome{}, err
	}

	if err := Restore(b, bufs, argv); err != nil {
		return Outcome{}, err
	}
	for i := range answer {
		if Expects(answer, i) {
			if err := b.Memset(bufs[i], 0); err != nil {
				return Outcome{}, err
			}
		}
	}

	out, err := run(ctx, b, k, bufs, argv, answer, geom, tol)
	if err != nil && backend.IsFatal(err) {
		return Outcome{}, err
	}
	if rerr := Restore(b, bufs, argv); rerr != nil {
		return Outcome{}, rerr
	}
	return out, err
}

func run(ctx context.Context, b backend.Backend, k backend.Kernel, bufs []backend.Buffer, argv args.List, answer []args.Arg, geom kernel.Geometry, tol Tolerance) (Outcome, error) {
	if err := b.Launch(ctx, k, bufs, geom.Block, geom.Grid); err != nil {
		return Outcome{}, err
	}
	if err := b.Synchronize(ctx); err != nil {
		return Outcome{}, err
	}
	for i := range answer {
		if !Expects(answer, i) {
			continue
		}
		got := argv[i].Zeroed()
		if err := b.Download(got, bufs[i]); err != nil {
			return Outcome{}, err
		}
		if j := mismatch(got, answer[i], tol); j >= 0 {
			return Outcome{Arg: argv[i].Name, Index: j, Got: got.At(j), Want: answer[i].At(j)}, nil
		}
	}
	return Outcome{OK: true}, nil
}

// Restore re-uploads every array argument from its host copy.
func Restore(b backend.Backend, bufs []backend.Buffer, argv args.List) error {
	for i, a := range argv {
		if a.Scalar {
			continue
		}
		if err := b.Upload(bufs[i], a); err != nil {
			return err
		}
	}
	return nil
}
