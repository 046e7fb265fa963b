//go:build cuda

package native

import (
	"encoding/binary"
	"math"
	"runtime"
	"testing"
)

const scaleSource = `extern "C" __global__ void scale(float *out, const float *in, float f, int n) {
	int i = blockIdx.x * blockDim.x + threadIdx.x;
	if (i < n) out[i] = f * in[i];
}
`

func openDevice(t *testing.T) *Device {
	t.Helper()
	count, err := DeviceCount()
	if err != nil {
		t.Skipf("DeviceCount: %v", err)
	}
	if count < 1 {
		t.Skip("no cuda device available")
	}
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	d, err := OpenDevice(0)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return d
}

func TestAttributes(t *testing.T) {
	d := openDevice(t)
	a, err := d.Attributes()
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if a.Name == "" || a.MaxThreadsPerBlock <= 0 || a.Major <= 0 {
		t.Fatalf("Attributes = %+v", a)
	}
}

func TestCompileLaunchRoundTrip(t *testing.T) {
	openDevice(t)

	ptx, lowered, err := CompilePTX(scaleSource, "scale", nil)
	if err != nil {
		t.Fatalf("CompilePTX: %v", err)
	}
	mod, err := LoadModule(ptx, lowered)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	defer mod.Unload()

	const n = 256
	host := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(host[4*i:], math.Float32bits(float32(i)))
	}
	in, err := Alloc(int64(len(host)))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer in.Free()
	out, err := Alloc(int64(len(host)))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer out.Free()
	if err := MemcpyH2D(in, host); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}
	if err := Memset(out, 0, int64(len(host))); err != nil {
		t.Fatalf("Memset: %v", err)
	}

	f := make([]byte, 4)
	binary.LittleEndian.PutUint32(f, math.Float32bits(2))
	cnt := make([]byte, 4)
	binary.LittleEndian.PutUint32(cnt, n)

	timer, err := NewTimer()
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	defer timer.Destroy()
	if err := timer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mod.Launch([3]uint32{2, 1, 1}, [3]uint32{128, 1, 1}, []Param{{Ptr: out}, {Ptr: in}, {Value: f}, {Value: cnt}}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	ms, err := timer.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ms < 0 {
		t.Fatalf("elapsed = %v", ms)
	}

	got := make([]byte, len(host))
	if err := MemcpyD2H(got, out); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	for i := range n {
		v := math.Float32frombits(binary.LittleEndian.Uint32(got[4*i:]))
		if v != 2*float32(i) {
			t.Fatalf("mismatch at %d: got %v want %v", i, v, 2*float32(i))
		}
	}
}

func TestCompileErrorCarriesLog(t *testing.T) {
	openDevice(t)

	_, _, err := CompilePTX("__global__ void broken() { int x = ; }", "broken", nil)
	pe, ok := err.(*ProgramError)
	if !ok {
		t.Fatalf("CompilePTX error = %v, want *ProgramError", err)
	}
	if pe.Log == "" {
		t.Fatal("program log is empty")
	}
}

func TestLaunchTooManyThreads(t *testing.T) {
	d := openDevice(t)
	a, err := d.Attributes()
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	ptx, lowered, err := CompilePTX(`extern "C" __global__ void noop() {}`, "noop", nil)
	if err != nil {
		t.Fatalf("CompilePTX: %v", err)
	}
	mod, err := LoadModule(ptx, lowered)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	defer mod.Unload()

	err = mod.Launch([3]uint32{1, 1, 1}, [3]uint32{uint32(2 * a.MaxThreadsPerBlock), 1, 1}, nil)
	de, ok := err.(*DriverError)
	if !ok || de.Code != ErrorInvalidValue {
		t.Fatalf("Launch error = %v, want invalid value", err)
	}
}
