// Package tuner runs the search-compile-benchmark loop: it enumerates the
// valid configurations of a parameter space, specializes and compiles a
// kernel variant for each, optionally verifies it against reference outputs,
// times it and aggregates the outcomes into a Report. Configurations that
// fail to compile, produce wrong results or are rejected at launch are
// skipped; only backend failures stop a run.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/metrics"
	"github.com/samcharles93/kerneltune/internal/space"
	"github.com/samcharles93/kerneltune/internal/verify"
)

// Job is one tuning problem.
type Job struct {
	KernelName string
	Source     string
	Problem    kernel.ProblemSize
	Args       args.List
	Space      *space.Space
	// Restrictions filter the space; every one must accept a configuration.
	Restrictions []space.Restriction
	GridDiv      kernel.GridDivisors
	// Answer holds reference outputs aligned with Args. Entries without
	// data are not checked; a nil Answer disables verification.
	Answer    []args.Arg
	Tolerance verify.Tolerance
}

// Validate reports configuration errors that make the whole job unusable.
func (j Job) Validate() error {
	if j.KernelName == "" {
		return fmt.Errorf("%w: kernel name is required", space.ErrConfiguration)
	}
	if j.Source == "" {
		return fmt.Errorf("%w: kernel source is empty", space.ErrConfiguration)
	}
	if !kernel.HasIdent(j.Source, j.KernelName) {
		return fmt.Errorf("%w: kernel %q not found in source", space.ErrConfiguration, j.KernelName)
	}
	if j.Space == nil {
		return fmt.Errorf("%w: no parameter space", space.ErrConfiguration)
	}
	if err := j.Space.Validate(); err != nil {
		return err
	}
	if len(j.Problem) == 0 {
		return fmt.Errorf("%w: problem size is required", space.ErrConfiguration)
	}
	if err := verify.ValidateAnswer(j.Args, j.Answer); err != nil {
		return err
	}
	if err := j.Tolerance.Validate(); err != nil {
		return fmt.Errorf("%w: %v", space.ErrConfiguration, err)
	}
	return nil
}

func (j Job) verifies() bool {
	for i := range j.Answer {
		if verify.Expects(j.Answer, i) {
			return true
		}
	}
	return false
}

// TrialPolicy reduces the per-trial times of a configuration to one value.
type TrialPolicy string

const (
	Mean TrialPolicy = "mean"
	Min  TrialPolicy = "min"
)

func ParseTrialPolicy(s string) (TrialPolicy, error) {
	switch TrialPolicy(s) {
	case "", Mean:
		return Mean, nil
	case Min:
		return Min, nil
	default:
		return "", fmt.Errorf("unknown trial policy %q (expected mean or min)", s)
	}
}

func (p TrialPolicy) reduce(times []float64) float64 {
	if p == Min {
		return slices.Min(times)
	}
	var sum float64
	for _, t := range times {
		sum += t
	}
	return sum / float64(len(times))
}

// Event reports the outcome of one configuration to an observer. Exactly one
// of Result and Skip is set.
type Event struct {
	Result *Result
	Skip   *Skip
}

type Option func(*Tuner)

// WithIterations sets the number of timed launches per configuration.
func WithIterations(n int) Option {
	return func(t *Tuner) {
		if n > 0 {
			t.iterations = n
		}
	}
}

func WithTrialPolicy(p TrialPolicy) Option {
	return func(t *Tuner) { t.policy = p }
}

// WithMaxConfigs stops a run after n configurations, skipped ones included.
// Zero means no limit.
func WithMaxConfigs(n int) Option {
	return func(t *Tuner) { t.maxConfigs = n }
}

// WithTimeBudget stops a run once d has elapsed. The configuration in flight
// is finished first.
func WithTimeBudget(d time.Duration) Option {
	return func(t *Tuner) { t.budget = d }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tuner) { t.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tuner) { t.metrics = m }
}

// WithObserver calls fn after every configuration, in processing order.
func WithObserver(fn func(Event)) Option {
	return func(t *Tuner) { t.observe = fn }
}

// Tuner drives one backend. It is not safe for concurrent use; see Pool for
// several devices.
type Tuner struct {
	b          backend.Backend
	iterations int
	policy     TrialPolicy
	maxConfigs int
	budget     time.Duration
	log        logger.Logger
	metrics    *metrics.Metrics
	observe    func(Event)
}

func New(b backend.Backend, opts ...Option) *Tuner {
	t := &Tuner{
		b:          b,
		iterations: 1,
		policy:     Mean,
		log:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tuner) Backend() backend.Backend { return t.b }

// Tune evaluates every valid configuration of job in enumeration order.
// Configuration errors are returned before any device work. A backend
// failure stops the run and is returned together with the partial report.
// Cancellation, WithMaxConfigs and WithTimeBudget also stop the run early;
// the report is then marked Partial and the error is nil.
func (t *Tuner) Tune(ctx context.Context, job Job) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	rep := newReport(job, t.b)
	t.metrics.SpaceSize(job.Space.Size())

	q := NewQueue(job.Space.Valid(job.Restrictions...), t.maxConfigs, t.budget)
	defer q.Close()

	err := t.work(ctx, job, q, func(ev Event) {
		rep.add(ev)
		t.notify(ev)
	})
	rep.finish(q.StopReason())
	return rep, err
}

// work runs the sequential loop for this tuner's backend, pulling from q
// until it is drained or stopped.
func (t *Tuner) work(ctx context.Context, job Job, q *Queue, emit func(Event)) (err error) {
	info := t.b.Info()
	log := t.log.With("backend", t.b.Name(), "device", info.Name)

	bufs, err := allocate(t.b, job.Args)
	if err != nil {
		q.Abort(StopFailure)
		return err
	}
	defer func() {
		if ferr := release(t.b, bufs); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for {
		seq, cfg, ok := q.Next(ctx)
		if !ok {
			return nil
		}
		ev, err := t.evaluate(ctx, job, bufs, info, seq, cfg)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				q.Cancelled()
				return nil
			}
			q.Abort(StopFailure)
			log.Error("tuning aborted", "config", cfg.String(), "error", err)
			return fmt.Errorf("config %s: %w", cfg, err)
		}
		t.record(log, ev)
		emit(ev)
	}
}

func (t *Tuner) notify(ev Event) {
	if t.observe != nil {
		t.observe(ev)
	}
}

func (t *Tuner) record(log logger.Logger, ev Event) {
	name := t.b.Name()
	if r := ev.Result; r != nil {
		t.metrics.Config(name, metrics.OutcomeBenchmarked)
		t.metrics.KernelTime(name, r.Time)
		log.Debug("config benchmarked", "kernel", r.Kernel, "time_ms", r.Time, "block", r.Geometry.Block.String(), "grid", r.Geometry.Grid.String())
		return
	}
	s := ev.Skip
	t.metrics.Config(name, string(s.Reason))
	switch s.Reason {
	case SkipCompile, SkipRuntime:
		log.Warn("config skipped", "kernel", s.Kernel, "reason", s.Reason, "error", s.Err)
	default:
		log.Info("config skipped", "kernel", s.Kernel, "reason", s.Reason, "detail", s.Detail)
	}
}

// evaluate takes one configuration through specialization, compilation,
// verification and benchmarking. Per-configuration failures come back as a
// Skip; the error is reserved for failures that end the run.
func (t *Tuner) evaluate(ctx context.Context, job Job, bufs []backend.Buffer, info backend.DeviceInfo, seq int, cfg space.Config) (Event, error) {
	geom, err := kernel.ComputeGeometry(job.Problem, cfg, job.GridDiv)
	if err != nil {
		return Event{}, err
	}
	name := kernel.VariantName(job.KernelName, cfg)
	skip := func(reason SkipReason, detail string, err error) (Event, error) {
		return Event{Skip: &Skip{Seq: seq, Config: cfg, Kernel: name, Geometry: geom, Reason: reason, Detail: detail, Err: err}}, nil
	}

	if info.MaxThreadsPerBlock > 0 && geom.Threads() > info.MaxThreadsPerBlock {
		return skip(SkipDevice, fmt.Sprintf("%d threads per block exceeds device limit %d", geom.Threads(), info.MaxThreadsPerBlock), nil)
	}

	variant, err := kernel.Specialize(job.Source, job.KernelName, cfg, geom)
	if err != nil {
		return Event{}, err
	}

	start := time.Now()
	k, err := t.b.Compile(ctx, variant.Name, variant.Source)
	t.metrics.Compile(t.b.Name(), time.Since(start))
	if err != nil {
		if backend.IsCompile(err) {
			return skip(SkipCompile, "", err)
		}
		return Event{}, err
	}
	defer func() {
		if rerr := t.b.Release(k); rerr != nil {
			t.log.Warn("kernel release failed", "kernel", variant.Name, "error", rerr)
		}
	}()

	if job.verifies() {
		out, err := verify.Check(ctx, t.b, k, bufs, job.Args, job.Answer, geom, job.Tolerance)
		if err != nil {
			if backend.IsLaunch(err) {
				return skip(SkipRuntime, "", err)
			}
			return Event{}, err
		}
		if !out.OK {
			return skip(SkipIncorrect, out.String(), nil)
		}
	}

	times := make([]float64, 0, t.iterations)
	for range t.iterations {
		ms, err := t.b.Measure(ctx, k, bufs, geom.Block, geom.Grid)
		if err != nil {
			if backend.IsLaunch(err) {
				return skip(SkipRuntime, "", err)
			}
			return Event{}, err
		}
		times = append(times, ms)
	}

	return Event{Result: &Result{
		Seq:      seq,
		Config:   cfg,
		Kernel:   variant.Name,
		Geometry: geom,
		Time:     t.policy.reduce(times),
		Times:    times,
	}}, nil
}

func allocate(b backend.Backend, argv args.List) ([]backend.Buffer, error) {
	bufs := make([]backend.Buffer, 0, len(argv))
	for _, a := range argv {
		buf, err := b.Alloc(a)
		if err != nil {
			_ = release(b, bufs)
			return nil, fmt.Errorf("allocate %s: %w", a.Name, err)
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

func release(b backend.Backend, bufs []backend.Buffer) error {
	var errs []error
	for _, buf := range bufs {
		if err := b.Free(buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
