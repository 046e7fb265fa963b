//go:build cuda

package native

/*
#cgo LDFLAGS: -lcuda -lnvrtc

#include <stdlib.h>
#include <stddef.h>

// Minimal driver API and NVRTC forward declarations to avoid requiring
// headers at compile time. Linker will still require libcuda and libnvrtc
// when building with the cuda tag.
typedef int CUresult;
typedef int CUdevice;
typedef unsigned long long CUdeviceptr;
typedef struct CUctx_st* CUcontext;
typedef struct CUmod_st* CUmodule;
typedef struct CUfunc_st* CUfunction;
typedef struct CUevent_st* CUevent;
typedef struct CUstream_st* CUstream;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuGetErrorString(CUresult err, const char** str);
extern CUresult cuDeviceGetCount(int* count);
extern CUresult cuDeviceGet(CUdevice* dev, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceGetAttribute(int* value, int attrib, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuDevicePrimaryCtxRetain(CUcontext* ctx, CUdevice dev);
extern CUresult cuDevicePrimaryCtxRelease_v2(CUdevice dev);
extern CUresult cuCtxSetCurrent(CUcontext ctx);
extern CUresult cuCtxSynchronize(void);
extern CUresult cuModuleLoadData(CUmodule* module, const void* image);
extern CUresult cuModuleUnload(CUmodule module);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule module, const char* name);
extern CUresult cuMemAlloc_v2(CUdeviceptr* ptr, size_t bytes);
extern CUresult cuMemFree_v2(CUdeviceptr ptr);
extern CUresult cuMemcpyHtoD_v2(CUdeviceptr dst, const void* src, size_t bytes);
extern CUresult cuMemcpyDtoH_v2(void* dst, CUdeviceptr src, size_t bytes);
extern CUresult cuMemsetD8_v2(CUdeviceptr dst, unsigned char value, size_t n);
extern CUresult cuLaunchKernel(CUfunction f,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	unsigned int shared, CUstream stream, void** params, void** extra);
extern CUresult cuEventCreate(CUevent* ev, unsigned int flags);
extern CUresult cuEventRecord(CUevent ev, CUstream stream);
extern CUresult cuEventSynchronize(CUevent ev);
extern CUresult cuEventElapsedTime(float* ms, CUevent start, CUevent end);
extern CUresult cuEventDestroy_v2(CUevent ev);

typedef int nvrtcResult;
typedef struct _nvrtcProgram* nvrtcProgram;

extern const char* nvrtcGetErrorString(nvrtcResult result);
extern nvrtcResult nvrtcCreateProgram(nvrtcProgram* prog, const char* src, const char* name,
	int numHeaders, const char* const* headers, const char* const* includeNames);
extern nvrtcResult nvrtcDestroyProgram(nvrtcProgram* prog);
extern nvrtcResult nvrtcAddNameExpression(nvrtcProgram prog, const char* name);
extern nvrtcResult nvrtcCompileProgram(nvrtcProgram prog, int numOptions, const char* const* options);
extern nvrtcResult nvrtcGetLoweredName(nvrtcProgram prog, const char* name, const char** lowered);
extern nvrtcResult nvrtcGetProgramLogSize(nvrtcProgram prog, size_t* size);
extern nvrtcResult nvrtcGetProgramLog(nvrtcProgram prog, char* log);
extern nvrtcResult nvrtcGetPTXSize(nvrtcProgram prog, size_t* size);
extern nvrtcResult nvrtcGetPTX(nvrtcProgram prog, char* ptx);

#define KT_ATTR_MAX_THREADS_PER_BLOCK 1
#define KT_ATTR_CC_MAJOR 75
#define KT_ATTR_CC_MINOR 76

static int ktLaunch(CUfunction f,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	void** params) {
	return (int)cuLaunchKernel(f, gx, gy, gz, bx, by, bz, 0, NULL, params, NULL);
}
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"
)

// Result is a raw CUresult.
type Result int

// Driver API codes the backend classifies.
const (
	ErrorInvalidValue       Result = 1
	ErrorOutOfMemory        Result = 2
	ErrorNoDevice           Result = 100
	ErrorInvalidPTX         Result = 218
	ErrorIllegalAddress     Result = 700
	ErrorLaunchOutOfRes     Result = 701
	ErrorLaunchTimeout      Result = 702
	ErrorLaunchIncompatible Result = 703
	ErrorLaunchFailed       Result = 719
)

// DriverError is a failed driver API call.
type DriverError struct {
	Call string
	Code Result
	Msg  string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: cuda driver error %d: %s", e.Call, int(e.Code), e.Msg)
}

// ProgramError is a source NVRTC rejected.
type ProgramError struct {
	Msg string
	Log string
}

func (e *ProgramError) Error() string { return "nvrtc: " + e.Msg }

var (
	initOnce sync.Once
	initErr  error
)

// Init initializes the driver once per process.
func Init() error {
	initOnce.Do(func() {
		initErr = cuErr("cuInit", C.cuInit(0))
	})
	return initErr
}

func DeviceCount() (int, error) {
	if err := Init(); err != nil {
		return 0, err
	}
	var n C.int
	if err := cuErr("cuDeviceGetCount", C.cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Device is an ordinal bound to its primary context.
type Device struct {
	dev C.CUdevice
	ctx C.CUcontext
}

type Attributes struct {
	Name               string
	Major, Minor       int
	MaxThreadsPerBlock int
	TotalMem           uint64
}

// OpenDevice retains the primary context of ordinal.
func OpenDevice(ordinal int) (*Device, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	d := &Device{}
	if err := cuErr("cuDeviceGet", C.cuDeviceGet(&d.dev, C.int(ordinal))); err != nil {
		return nil, err
	}
	if err := cuErr("cuDevicePrimaryCtxRetain", C.cuDevicePrimaryCtxRetain(&d.ctx, d.dev)); err != nil {
		return nil, err
	}
	return d, nil
}

// Bind makes the device context current on the calling OS thread.
func (d *Device) Bind() error {
	return cuErr("cuCtxSetCurrent", C.cuCtxSetCurrent(d.ctx))
}

func (d *Device) Close() error {
	if d.ctx == nil {
		return nil
	}
	d.ctx = nil
	return cuErr("cuDevicePrimaryCtxRelease", C.cuDevicePrimaryCtxRelease_v2(d.dev))
}

func (d *Device) Attributes() (Attributes, error) {
	var a Attributes
	name := make([]byte, 256)
	if err := cuErr("cuDeviceGetName", C.cuDeviceGetName((*C.char)(unsafe.Pointer(&name[0])), C.int(len(name)), d.dev)); err != nil {
		return a, err
	}
	a.Name = strings.TrimRight(string(name), "\x00")
	for _, q := range []struct {
		attr C.int
		dst  *int
	}{
		{C.KT_ATTR_MAX_THREADS_PER_BLOCK, &a.MaxThreadsPerBlock},
		{C.KT_ATTR_CC_MAJOR, &a.Major},
		{C.KT_ATTR_CC_MINOR, &a.Minor},
	} {
		var v C.int
		if err := cuErr("cuDeviceGetAttribute", C.cuDeviceGetAttribute(&v, q.attr, d.dev)); err != nil {
			return a, err
		}
		*q.dst = int(v)
	}
	var mem C.size_t
	if err := cuErr("cuDeviceTotalMem", C.cuDeviceTotalMem_v2(&mem, d.dev)); err != nil {
		return a, err
	}
	a.TotalMem = uint64(mem)
	return a, nil
}

func Synchronize() error {
	return cuErr("cuCtxSynchronize", C.cuCtxSynchronize())
}

// CompilePTX compiles a CUDA C source to PTX and returns it together with the
// lowered (mangled) name of the kernel called name. Both extern "C" and C++
// linkage kernels resolve.
func CompilePTX(source, name string, options []string) (ptx []byte, lowered string, err error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	cprog := C.CString(name + ".cu")
	defer C.free(unsafe.Pointer(cprog))

	var prog C.nvrtcProgram
	if err := nvrtcErr("nvrtcCreateProgram", C.nvrtcCreateProgram(&prog, csrc, cprog, 0, nil, nil)); err != nil {
		return nil, "", err
	}
	defer C.nvrtcDestroyProgram(&prog)

	cname := C.CString("&" + name)
	defer C.free(unsafe.Pointer(cname))
	if err := nvrtcErr("nvrtcAddNameExpression", C.nvrtcAddNameExpression(prog, cname)); err != nil {
		return nil, "", err
	}

	copts := make([]*C.char, len(options))
	for i, o := range options {
		copts[i] = C.CString(o)
	}
	defer func() {
		for _, p := range copts {
			C.free(unsafe.Pointer(p))
		}
	}()
	var optPtr **C.char
	if len(copts) > 0 {
		optPtr = (**C.char)(C.malloc(C.size_t(len(copts)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
		defer C.free(unsafe.Pointer(optPtr))
		copy(unsafe.Slice(optPtr, len(copts)), copts)
	}

	if res := C.nvrtcCompileProgram(prog, C.int(len(copts)), optPtr); res != 0 {
		return nil, "", &ProgramError{Msg: C.GoString(C.nvrtcGetErrorString(res)), Log: programLog(prog)}
	}

	var cl *C.char
	if err := nvrtcErr("nvrtcGetLoweredName", C.nvrtcGetLoweredName(prog, cname, &cl)); err != nil {
		return nil, "", err
	}
	lowered = C.GoString(cl)

	var size C.size_t
	if err := nvrtcErr("nvrtcGetPTXSize", C.nvrtcGetPTXSize(prog, &size)); err != nil {
		return nil, "", err
	}
	ptx = make([]byte, int(size))
	if size > 0 {
		if err := nvrtcErr("nvrtcGetPTX", C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0])))); err != nil {
			return nil, "", err
		}
	}
	return ptx, lowered, nil
}

func programLog(prog C.nvrtcProgram) string {
	var size C.size_t
	if C.nvrtcGetProgramLogSize(prog, &size) != 0 || size <= 1 {
		return ""
	}
	buf := make([]byte, int(size))
	if C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&buf[0]))) != 0 {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00\n")
}

// Module is a loaded PTX image with one resolved entry point.
type Module struct {
	mod C.CUmodule
	fn  C.CUfunction
}

// LoadModule JIT-loads ptx (NUL terminated by NVRTC) and resolves entry.
func LoadModule(ptx []byte, entry string) (*Module, error) {
	if len(ptx) == 0 {
		return nil, fmt.Errorf("empty ptx image")
	}
	m := &Module{}
	if err := cuErr("cuModuleLoadData", C.cuModuleLoadData(&m.mod, unsafe.Pointer(&ptx[0]))); err != nil {
		return nil, err
	}
	centry := C.CString(entry)
	defer C.free(unsafe.Pointer(centry))
	if err := cuErr("cuModuleGetFunction", C.cuModuleGetFunction(&m.fn, m.mod, centry)); err != nil {
		_ = C.cuModuleUnload(m.mod)
		return nil, err
	}
	return m, nil
}

func (m *Module) Unload() error {
	if m.mod == nil {
		return nil
	}
	err := cuErr("cuModuleUnload", C.cuModuleUnload(m.mod))
	m.mod, m.fn = nil, nil
	return err
}

// DevicePtr is a device allocation.
type DevicePtr uint64

func Alloc(bytes int64) (DevicePtr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("device alloc size must be > 0")
	}
	var p C.CUdeviceptr
	if err := cuErr("cuMemAlloc", C.cuMemAlloc_v2(&p, C.size_t(bytes))); err != nil {
		return 0, err
	}
	return DevicePtr(p), nil
}

func (p DevicePtr) Free() error {
	if p == 0 {
		return nil
	}
	return cuErr("cuMemFree", C.cuMemFree_v2(C.CUdeviceptr(p)))
}

func MemcpyH2D(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cuErr("cuMemcpyHtoD", C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func MemcpyD2H(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return cuErr("cuMemcpyDtoH", C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

func Memset(dst DevicePtr, value byte, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return cuErr("cuMemsetD8", C.cuMemsetD8_v2(C.CUdeviceptr(dst), C.uchar(value), C.size_t(bytes)))
}

// Param is one kernel parameter: a device pointer or a scalar passed by
// value.
type Param struct {
	Ptr   DevicePtr
	Value []byte
}

// Launch enqueues the module entry point on the default stream. The
// parameter array is built in C memory so no Go pointers cross the call.
func (m *Module) Launch(grid, block [3]uint32, params []Param) error {
	var argv unsafe.Pointer
	if len(params) > 0 {
		slots := make([]unsafe.Pointer, len(params))
		for i, p := range params {
			var val []byte
			if p.Value != nil {
				val = p.Value
			} else {
				val = unsafe.Slice((*byte)(unsafe.Pointer(&p.Ptr)), int(unsafe.Sizeof(p.Ptr)))
			}
			slots[i] = C.CBytes(val)
		}
		defer func() {
			for _, s := range slots {
				C.free(s)
			}
		}()
		argv = C.malloc(C.size_t(len(slots)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(argv)
		copy(unsafe.Slice((*unsafe.Pointer)(argv), len(slots)), slots)
	}
	res := C.ktLaunch(m.fn,
		C.uint(grid[0]), C.uint(grid[1]), C.uint(grid[2]),
		C.uint(block[0]), C.uint(block[1]), C.uint(block[2]),
		(*unsafe.Pointer)(argv))
	return cuErr("cuLaunchKernel", C.CUresult(res))
}

// Timer brackets device work with two events.
type Timer struct {
	start, end C.CUevent
}

func NewTimer() (*Timer, error) {
	t := &Timer{}
	if err := cuErr("cuEventCreate", C.cuEventCreate(&t.start, 0)); err != nil {
		return nil, err
	}
	if err := cuErr("cuEventCreate", C.cuEventCreate(&t.end, 0)); err != nil {
		_ = C.cuEventDestroy_v2(t.start)
		return nil, err
	}
	return t, nil
}

func (t *Timer) Start() error {
	return cuErr("cuEventRecord", C.cuEventRecord(t.start, nil))
}

// Stop records the end event, waits for it and returns the elapsed time in
// milliseconds.
func (t *Timer) Stop() (float64, error) {
	if err := cuErr("cuEventRecord", C.cuEventRecord(t.end, nil)); err != nil {
		return 0, err
	}
	if err := cuErr("cuEventSynchronize", C.cuEventSynchronize(t.end)); err != nil {
		return 0, err
	}
	var ms C.float
	if err := cuErr("cuEventElapsedTime", C.cuEventElapsedTime(&ms, t.start, t.end)); err != nil {
		return 0, err
	}
	return float64(ms), nil
}

func (t *Timer) Destroy() error {
	err := cuErr("cuEventDestroy", C.cuEventDestroy_v2(t.start))
	if e := cuErr("cuEventDestroy", C.cuEventDestroy_v2(t.end)); e != nil && err == nil {
		err = e
	}
	return err
}

func cuErr(call string, code C.CUresult) error {
	if code == 0 {
		return nil
	}
	var msg *C.char
	text := "unknown error"
	if C.cuGetErrorString(code, &msg) == 0 && msg != nil {
		text = C.GoString(msg)
	}
	return &DriverError{Call: call, Code: Result(code), Msg: text}
}

func nvrtcErr(call string, code C.nvrtcResult) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("%s: nvrtc error %d: %s", call, int(code), C.GoString(C.nvrtcGetErrorString(code)))
}
