// Package backend defines the device capability the tuner drives. Concrete
// backends (one per GPU API) live in sub-packages and are selected by name.
package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

const (
	CUDA   = "cuda"
	DryRun = "dryrun"
	Auto   = "auto"
)

// Kernel is a compiled, launchable kernel owned by the backend.
type Kernel interface {
	Name() string
}

// Buffer is a handle to a kernel argument slot. Array arguments live in
// device memory; scalar arguments are held by value.
type Buffer interface {
	Arg() string
	Size() int64
	Scalar() bool
}

// DeviceInfo describes the device a backend drives.
type DeviceInfo struct {
	Name               string
	Ordinal            int
	ComputeCapability  string
	MaxThreadsPerBlock int
	MemoryBytes        uint64
}

// Backend is the capability set the tuner needs from a GPU API. A Backend
// is an open device context; it is not safe for concurrent use.
type Backend interface {
	Name() string
	Info() DeviceInfo

	// Compile builds source and returns the kernel called name. Rejected
	// sources yield a *CompileError carrying the compiler log.
	Compile(ctx context.Context, name, source string) (Kernel, error)
	// Release frees a compiled kernel.
	Release(k Kernel) error

	// Alloc creates the slot for arg and uploads its contents.
	Alloc(arg args.Arg) (Buffer, error)
	Upload(buf Buffer, arg args.Arg) error
	Download(dst args.Arg, buf Buffer) error
	Memset(buf Buffer, value byte) error
	Free(buf Buffer) error

	// Launch enqueues k. Geometry the device rejects yields a *LaunchError.
	Launch(ctx context.Context, k Kernel, bufs []Buffer, block, grid kernel.Dim3) error
	Synchronize(ctx context.Context) error
	// Measure synchronizes, launches k between two device timing events,
	// synchronizes again and returns the elapsed device time in
	// milliseconds.
	Measure(ctx context.Context, k Kernel, bufs []Buffer, block, grid kernel.Dim3) (float64, error)

	Close() error
}

// Options configure how a backend opens its device.
type Options struct {
	Device int
	// Arch overrides the target architecture, e.g. "sm_80" or "80".
	Arch string
	// CompilerFlags are passed to the runtime compiler unchanged.
	CompilerFlags []string
	// MaxThreadsPerBlock overrides the limit reported by backends that do
	// not query a device.
	MaxThreadsPerBlock int
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CUDA, DryRun, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cuda, or dryrun)", backend)
	}
}

// Factory opens a backend.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available by name. Implementations call it from
// init; builds include them with a blank import.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Has reports whether the named backend is part of this build.
func Has(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Available returns a comma-separated list of available backends.
func Available() string {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.RUnlock()
	slices.Sort(names)
	return strings.Join(names, ",")
}

// New opens the named backend. Auto selects CUDA and fails when this build
// has no CUDA support; the dry-run backend is never picked implicitly.
func New(name string, opts Options) (Backend, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if n == Auto {
		if !Has(CUDA) {
			return nil, fmt.Errorf("no device backend in this build (rebuild with -tags cuda, or use --backend dryrun)")
		}
		n = CUDA
	}
	registryMu.RLock()
	f, ok := registry[n]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s backend is not available in this build (available: %s)", n, Available())
	}
	return f(opts)
}
