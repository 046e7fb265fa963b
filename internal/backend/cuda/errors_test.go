//go:build cuda

package cuda

import (
	"testing"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/backend/cuda/native"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

func TestLaunchErrorClassification(t *testing.T) {
	t.Parallel()

	block := kernel.Dim3{X: 2048, Y: 1, Z: 1}
	grid := kernel.Dim3{X: 1, Y: 1, Z: 1}
	cases := []struct {
		code   native.Result
		launch bool
	}{
		{native.ErrorInvalidValue, true},
		{native.ErrorLaunchOutOfRes, true},
		{native.ErrorIllegalAddress, false},
		{native.ErrorLaunchFailed, false},
	}
	for _, tc := range cases {
		err := launchError("k", block, grid, &native.DriverError{Call: "cuLaunchKernel", Code: tc.code})
		if backend.IsLaunch(err) != tc.launch || backend.IsFatal(err) == tc.launch {
			t.Errorf("code %d classified as %v", tc.code, err)
		}
	}
	if launchError("k", block, grid, nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestCompileErrorClassification(t *testing.T) {
	t.Parallel()

	err := compileError("k", &native.ProgramError{Msg: "compilation failed", Log: "error: expected a ';'"})
	ce, ok := err.(*backend.CompileError)
	if !ok || ce.Log == "" {
		t.Fatalf("compileError = %v, want compile error with log", err)
	}
	if !backend.IsCompile(compileError("k", &native.DriverError{Code: native.ErrorInvalidPTX})) {
		t.Fatal("invalid PTX should be a compile error")
	}
	if !backend.IsFatal(compileError("k", &native.DriverError{Code: native.ErrorOutOfMemory})) {
		t.Fatal("out of memory while loading should be fatal")
	}
}
