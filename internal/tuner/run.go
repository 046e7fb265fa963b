package tuner

import (
	"context"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/space"
)

// RunKernel compiles the variant of job for cfg, runs it once on fresh
// copies of the arguments and returns their contents afterwards, in argument
// order. It is the building block for producing reference answers. Unlike
// Tune, every failure is returned.
func RunKernel(ctx context.Context, b backend.Backend, job Job, cfg space.Config) (args.List, error) {
	if job.KernelName == "" || job.Source == "" {
		return nil, fmt.Errorf("%w: kernel name and source are required", space.ErrConfiguration)
	}
	geom, err := kernel.ComputeGeometry(job.Problem, cfg, job.GridDiv)
	if err != nil {
		return nil, err
	}
	if limit := b.Info().MaxThreadsPerBlock; limit > 0 && geom.Threads() > limit {
		return nil, fmt.Errorf("%w: %d threads per block exceeds device limit %d", kernel.ErrInvalidGeometry, geom.Threads(), limit)
	}
	variant, err := kernel.Specialize(job.Source, job.KernelName, cfg, geom)
	if err != nil {
		return nil, err
	}

	k, err := b.Compile(ctx, variant.Name, variant.Source)
	if err != nil {
		return nil, err
	}
	defer b.Release(k)

	bufs, err := allocate(b, job.Args)
	if err != nil {
		return nil, err
	}
	defer release(b, bufs)

	if err := b.Launch(ctx, k, bufs, geom.Block, geom.Grid); err != nil {
		return nil, err
	}
	if err := b.Synchronize(ctx); err != nil {
		return nil, err
	}

	out := make(args.List, len(job.Args))
	for i, a := range job.Args {
		if a.Scalar {
			out[i] = a.Clone()
			continue
		}
		out[i] = a.Zeroed()
		if err := b.Download(out[i], bufs[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
