//go:build cuda

// Package cuda drives NVIDIA devices through NVRTC and the driver API.
// Importing it registers the "cuda" backend.
package cuda

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/backend/cuda/native"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

func init() {
	backend.Register(backend.CUDA, func(opts backend.Options) (backend.Backend, error) {
		return New(opts)
	})
}

type Backend struct {
	dev     *native.Device
	info    backend.DeviceInfo
	options []string
}

type module struct {
	name string
	mod  *native.Module
}

func (m *module) Name() string { return m.name }

type buffer struct {
	name   string
	size   int64
	ptr    native.DevicePtr
	scalar []byte
}

func (b *buffer) Arg() string  { return b.name }
func (b *buffer) Size() int64  { return b.size }
func (b *buffer) Scalar() bool { return b.scalar != nil }

func New(opts backend.Options) (*Backend, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	if opts.Device < 0 || opts.Device >= count {
		return nil, fmt.Errorf("cuda device %d out of range (found %d)", opts.Device, count)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := native.OpenDevice(opts.Device)
	if err != nil {
		return nil, fmt.Errorf("cuda device open failed: %w", err)
	}
	if err := dev.Bind(); err != nil {
		_ = dev.Close()
		return nil, err
	}
	attrs, err := dev.Attributes()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	arch := fmt.Sprintf("%d%d", attrs.Major, attrs.Minor)
	if opts.Arch != "" {
		arch = strings.TrimPrefix(strings.TrimPrefix(opts.Arch, "sm_"), "compute_")
	}
	maxThreads := attrs.MaxThreadsPerBlock
	if opts.MaxThreadsPerBlock > 0 && opts.MaxThreadsPerBlock < maxThreads {
		maxThreads = opts.MaxThreadsPerBlock
	}

	return &Backend{
		dev: dev,
		info: backend.DeviceInfo{
			Name:               attrs.Name,
			Ordinal:            opts.Device,
			ComputeCapability:  fmt.Sprintf("%d.%d", attrs.Major, attrs.Minor),
			MaxThreadsPerBlock: maxThreads,
			MemoryBytes:        attrs.TotalMem,
		},
		options: append([]string{"--gpu-architecture=compute_" + arch}, opts.CompilerFlags...),
	}, nil
}

func (b *Backend) Name() string             { return backend.CUDA }
func (b *Backend) Info() backend.DeviceInfo { return b.info }

// bind pins the calling goroutine to its thread and makes the device context
// current there. The returned func undoes the pin.
func (b *Backend) bind() (func(), error) {
	if b.dev == nil {
		return nil, backend.Fatal("cuda", fmt.Errorf("backend closed"))
	}
	runtime.LockOSThread()
	if err := b.dev.Bind(); err != nil {
		runtime.UnlockOSThread()
		return nil, backend.Fatal("cuda", err)
	}
	return runtime.UnlockOSThread, nil
}

func (b *Backend) Compile(ctx context.Context, name, source string) (backend.Kernel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ptx, lowered, err := native.CompilePTX(source, name, b.options)
	if err != nil {
		return nil, compileError(name, err)
	}
	unbind, err := b.bind()
	if err != nil {
		return nil, err
	}
	defer unbind()
	mod, err := native.LoadModule(ptx, lowered)
	if err != nil {
		return nil, compileError(name, err)
	}
	return &module{name: name, mod: mod}, nil
}

func (b *Backend) Release(k backend.Kernel) error {
	m, ok := k.(*module)
	if !ok {
		return fmt.Errorf("cuda: foreign kernel %T", k)
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return m.mod.Unload()
}

func (b *Backend) Alloc(arg args.Arg) (backend.Buffer, error) {
	if arg.Scalar {
		return &buffer{name: arg.Name, size: arg.Size(), scalar: append([]byte(nil), arg.Bytes()...)}, nil
	}
	unbind, err := b.bind()
	if err != nil {
		return nil, err
	}
	defer unbind()
	ptr, err := native.Alloc(arg.Size())
	if err != nil {
		return nil, backend.Fatal("alloc "+arg.Name, err)
	}
	if err := native.MemcpyH2D(ptr, arg.Bytes()); err != nil {
		_ = ptr.Free()
		return nil, backend.Fatal("upload "+arg.Name, err)
	}
	return &buffer{name: arg.Name, size: arg.Size(), ptr: ptr}, nil
}

func (b *Backend) Upload(buf backend.Buffer, arg args.Arg) error {
	d, err := deviceBuffer(buf, arg.Size())
	if err != nil {
		return err
	}
	if d.scalar != nil {
		copy(d.scalar, arg.Bytes())
		return nil
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return backend.Fatal("upload "+d.name, native.MemcpyH2D(d.ptr, arg.Bytes()))
}

func (b *Backend) Download(dst args.Arg, buf backend.Buffer) error {
	d, err := deviceBuffer(buf, dst.Size())
	if err != nil {
		return err
	}
	if d.scalar != nil {
		copy(dst.Bytes(), d.scalar)
		return nil
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return backend.Fatal("download "+d.name, native.MemcpyD2H(dst.Bytes(), d.ptr))
}

func (b *Backend) Memset(buf backend.Buffer, value byte) error {
	d, err := deviceBuffer(buf, buf.Size())
	if err != nil {
		return err
	}
	if d.scalar != nil {
		for i := range d.scalar {
			d.scalar[i] = value
		}
		return nil
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return backend.Fatal("memset "+d.name, native.Memset(d.ptr, value, d.size))
}

func (b *Backend) Free(buf backend.Buffer) error {
	d, ok := buf.(*buffer)
	if !ok {
		return fmt.Errorf("cuda: foreign buffer %T", buf)
	}
	if d.scalar != nil || d.ptr == 0 {
		return nil
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	err = d.ptr.Free()
	d.ptr = 0
	return backend.Fatal("free "+d.name, err)
}

func (b *Backend) Launch(ctx context.Context, k backend.Kernel, bufs []backend.Buffer, block, grid kernel.Dim3) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, params, err := launchArgs(k, bufs)
	if err != nil {
		return err
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return launchError(m.name, block, grid, m.mod.Launch(dims(grid), dims(block), params))
}

func (b *Backend) Synchronize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unbind, err := b.bind()
	if err != nil {
		return err
	}
	defer unbind()
	return syncError(native.Synchronize())
}

func (b *Backend) Measure(ctx context.Context, k backend.Kernel, bufs []backend.Buffer, block, grid kernel.Dim3) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m, params, err := launchArgs(k, bufs)
	if err != nil {
		return 0, err
	}
	unbind, err := b.bind()
	if err != nil {
		return 0, err
	}
	defer unbind()

	if err := syncError(native.Synchronize()); err != nil {
		return 0, err
	}
	timer, err := native.NewTimer()
	if err != nil {
		return 0, backend.Fatal("event create", err)
	}
	defer timer.Destroy()
	if err := timer.Start(); err != nil {
		return 0, backend.Fatal("event record", err)
	}
	if err := launchError(m.name, block, grid, m.mod.Launch(dims(grid), dims(block), params)); err != nil {
		return 0, err
	}
	ms, err := timer.Stop()
	if err != nil {
		return 0, syncError(err)
	}
	if err := syncError(native.Synchronize()); err != nil {
		return 0, err
	}
	return ms, nil
}

func (b *Backend) Close() error {
	if b.dev == nil {
		return nil
	}
	err := b.dev.Close()
	b.dev = nil
	return err
}

func launchArgs(k backend.Kernel, bufs []backend.Buffer) (*module, []native.Param, error) {
	m, ok := k.(*module)
	if !ok || m.mod == nil {
		return nil, nil, backend.Fatal("launch", fmt.Errorf("cuda: invalid kernel handle %v", k))
	}
	params := make([]native.Param, len(bufs))
	for i, buf := range bufs {
		d, ok := buf.(*buffer)
		if !ok {
			return nil, nil, backend.Fatal("launch", fmt.Errorf("cuda: foreign buffer %T", buf))
		}
		if d.scalar != nil {
			params[i] = native.Param{Value: d.scalar}
		} else {
			params[i] = native.Param{Ptr: d.ptr}
		}
	}
	return m, params, nil
}

func deviceBuffer(buf backend.Buffer, size int64) (*buffer, error) {
	d, ok := buf.(*buffer)
	if !ok {
		return nil, backend.Fatal("cuda", fmt.Errorf("foreign buffer %T", buf))
	}
	if size != d.size {
		return nil, backend.Fatal("cuda", fmt.Errorf("size mismatch for %s: %d != %d", d.name, size, d.size))
	}
	return d, nil
}

func dims(d kernel.Dim3) [3]uint32 {
	return [3]uint32{uint32(d.X), uint32(d.Y), uint32(d.Z)}
}
