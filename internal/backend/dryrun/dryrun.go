// Package dryrun is a host-memory backend. It runs the tuning pipeline
// without a GPU: sources are checked rather than compiled, launches are
// validated against the thread limit and dispatched to optional host
// emulations, and timings come from a cost model or the wall clock.
package dryrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

const defaultMaxThreads = 1024

var (
	ErrClosed         = errors.New("dryrun backend closed")
	errTooManyThreads = errors.New("too many resources requested for launch")
	errEmptyLaunch    = errors.New("invalid launch dimensions")
)

func init() {
	backend.Register(backend.DryRun, func(opts backend.Options) (backend.Backend, error) {
		return New(opts), nil
	})
}

// Launch describes one kernel launch handed to a host emulation.
type Launch struct {
	Kernel  string
	Defines map[string]string
	Block   kernel.Dim3
	Grid    kernel.Dim3
	// Args share storage with the device buffers; writes are visible to
	// later downloads.
	Args []args.Arg
}

// Define returns the integer value of a #define bound into the variant.
func (l Launch) Define(name string) (int64, bool) {
	v, ok := l.Defines[name]
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscan(v, &n); err != nil {
		return 0, false
	}
	return n, true
}

// HostKernel emulates a kernel on the host.
type HostKernel func(l Launch) error

// CostModel returns the modelled run time of a launch in milliseconds.
type CostModel func(l Launch) float64

type Option func(*Backend)

// WithKernel emulates every variant of the kernel called name.
func WithKernel(name string, fn HostKernel) Option {
	return func(b *Backend) { b.hosts[name] = fn }
}

// WithCostModel replaces wall-clock timing with cost.
func WithCostModel(cost CostModel) Option {
	return func(b *Backend) { b.cost = cost }
}

// Backend implements backend.Backend in host memory.
type Backend struct {
	info   backend.DeviceInfo
	hosts  map[string]HostKernel
	cost   CostModel
	closed bool

	kernels int
	buffers int
}

type compiled struct {
	name    string
	defines map[string]string
	host    HostKernel
	freed   bool
}

func (k *compiled) Name() string { return k.name }

type buffer struct {
	arg   args.Arg
	freed bool
}

func (b *buffer) Arg() string  { return b.arg.Name }
func (b *buffer) Size() int64  { return b.arg.Size() }
func (b *buffer) Scalar() bool { return b.arg.Scalar }

func New(opts backend.Options, o ...Option) *Backend {
	maxThreads := opts.MaxThreadsPerBlock
	if maxThreads <= 0 {
		maxThreads = defaultMaxThreads
	}
	cc := strings.TrimPrefix(opts.Arch, "sm_")
	if cc == "" {
		cc = "n/a"
	}
	b := &Backend{
		info: backend.DeviceInfo{
			Name:               "dryrun host emulator",
			Ordinal:            opts.Device,
			ComputeCapability:  cc,
			MaxThreadsPerBlock: maxThreads,
		},
		hosts: make(map[string]HostKernel),
	}
	for _, opt := range o {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string             { return backend.DryRun }
func (b *Backend) Info() backend.DeviceInfo { return b.info }

// Live returns the number of kernels and buffers not yet released.
func (b *Backend) Live() (kernels, buffers int) { return b.kernels, b.buffers }

func (b *Backend) Compile(ctx context.Context, name, source string) (backend.Kernel, error) {
	if err := b.usable(ctx); err != nil {
		return nil, err
	}
	if !kernel.HasIdent(source, name) {
		return nil, &backend.CompileError{Kernel: name, Log: fmt.Sprintf("error: identifier %q is undefined", name)}
	}
	defines := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if msg, ok := strings.CutPrefix(line, "#error"); ok {
			return nil, &backend.CompileError{Kernel: name, Log: "error:" + msg}
		}
		if rest, ok := strings.CutPrefix(line, "#define "); ok {
			k, v, _ := strings.Cut(strings.TrimSpace(rest), " ")
			defines[k] = strings.TrimSpace(v)
		}
	}
	b.kernels++
	return &compiled{name: name, defines: defines, host: b.hostFor(name)}, nil
}

// hostFor picks the emulation registered under the longest base name of
// variant.
func (b *Backend) hostFor(variant string) HostKernel {
	var best string
	for base := range b.hosts {
		if (variant == base || strings.HasPrefix(variant, base+"_")) && len(base) > len(best) {
			best = base
		}
	}
	if best == "" {
		return nil
	}
	return b.hosts[best]
}

func (b *Backend) Release(k backend.Kernel) error {
	c, ok := k.(*compiled)
	if !ok {
		return fmt.Errorf("dryrun: foreign kernel %T", k)
	}
	if !c.freed {
		c.freed = true
		b.kernels--
	}
	return nil
}

func (b *Backend) Alloc(arg args.Arg) (backend.Buffer, error) {
	if b.closed {
		return nil, backend.Fatal("alloc", ErrClosed)
	}
	b.buffers++
	return &buffer{arg: arg.Clone()}, nil
}

func (b *Backend) Upload(buf backend.Buffer, arg args.Arg) error {
	d, err := b.buffer(buf)
	if err != nil {
		return err
	}
	if arg.Size() != d.arg.Size() {
		return backend.Fatal("upload", fmt.Errorf("size mismatch for %s: %d != %d", arg.Name, arg.Size(), d.arg.Size()))
	}
	copy(d.arg.Bytes(), arg.Bytes())
	return nil
}

func (b *Backend) Download(dst args.Arg, buf backend.Buffer) error {
	d, err := b.buffer(buf)
	if err != nil {
		return err
	}
	if dst.Size() != d.arg.Size() {
		return backend.Fatal("download", fmt.Errorf("size mismatch for %s: %d != %d", dst.Name, dst.Size(), d.arg.Size()))
	}
	copy(dst.Bytes(), d.arg.Bytes())
	return nil
}

func (b *Backend) Memset(buf backend.Buffer, value byte) error {
	d, err := b.buffer(buf)
	if err != nil {
		return err
	}
	mem := d.arg.Bytes()
	for i := range mem {
		mem[i] = value
	}
	return nil
}

func (b *Backend) Free(buf backend.Buffer) error {
	d, err := b.buffer(buf)
	if err != nil {
		return err
	}
	d.freed = true
	b.buffers--
	return nil
}

func (b *Backend) Launch(ctx context.Context, k backend.Kernel, bufs []backend.Buffer, block, grid kernel.Dim3) error {
	_, err := b.launch(ctx, k, bufs, block, grid)
	return err
}

func (b *Backend) launch(ctx context.Context, k backend.Kernel, bufs []backend.Buffer, block, grid kernel.Dim3) (Launch, error) {
	if err := b.usable(ctx); err != nil {
		return Launch{}, err
	}
	c, ok := k.(*compiled)
	if !ok || c.freed {
		return Launch{}, backend.Fatal("launch", fmt.Errorf("dryrun: invalid kernel handle %v", k))
	}
	if block.Volume() <= 0 || grid.Volume() <= 0 {
		return Launch{}, &backend.LaunchError{Kernel: c.name, Block: block, Grid: grid, Err: errEmptyLaunch}
	}
	if block.Volume() > b.info.MaxThreadsPerBlock {
		return Launch{}, &backend.LaunchError{Kernel: c.name, Block: block, Grid: grid, Err: errTooManyThreads}
	}
	l := Launch{Kernel: c.name, Defines: c.defines, Block: block, Grid: grid, Args: make([]args.Arg, len(bufs))}
	for i, buf := range bufs {
		d, err := b.buffer(buf)
		if err != nil {
			return Launch{}, err
		}
		l.Args[i] = d.arg
	}
	if c.host != nil {
		if err := c.host(l); err != nil {
			if backend.IsFatal(err) {
				return Launch{}, err
			}
			return Launch{}, &backend.LaunchError{Kernel: c.name, Block: block, Grid: grid, Err: err}
		}
	}
	return l, nil
}

func (b *Backend) Synchronize(ctx context.Context) error {
	return b.usable(ctx)
}

func (b *Backend) Measure(ctx context.Context, k backend.Kernel, bufs []backend.Buffer, block, grid kernel.Dim3) (float64, error) {
	start := time.Now()
	l, err := b.launch(ctx, k, bufs, block, grid)
	if err != nil {
		return 0, err
	}
	if b.cost != nil {
		return b.cost(l), nil
	}
	return float64(time.Since(start).Nanoseconds()) / 1e6, nil
}

func (b *Backend) Close() error {
	b.closed = true
	return nil
}

func (b *Backend) usable(ctx context.Context) error {
	if b.closed {
		return backend.Fatal("dryrun", ErrClosed)
	}
	return ctx.Err()
}

func (b *Backend) buffer(buf backend.Buffer) (*buffer, error) {
	if b.closed {
		return nil, backend.Fatal("dryrun", ErrClosed)
	}
	d, ok := buf.(*buffer)
	if !ok || d.freed {
		return nil, backend.Fatal("dryrun", fmt.Errorf("invalid buffer handle %v", buf))
	}
	return d, nil
}
