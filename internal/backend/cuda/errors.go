//go:build cuda

package cuda

import (
	"errors"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/backend/cuda/native"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

// compileError maps NVRTC rejections and unloadable images to a
// *backend.CompileError; anything else means the device is unusable.
func compileError(name string, err error) error {
	var pe *native.ProgramError
	if errors.As(err, &pe) {
		return &backend.CompileError{Kernel: name, Log: pe.Log, Err: err}
	}
	var de *native.DriverError
	if errors.As(err, &de) && de.Code == native.ErrorInvalidPTX {
		return &backend.CompileError{Kernel: name, Err: err}
	}
	return backend.Fatal("compile "+name, err)
}

// launchError keeps the context usable for launch configuration failures;
// those are reported per configuration.
func launchError(name string, block, grid kernel.Dim3, err error) error {
	if err == nil {
		return nil
	}
	var de *native.DriverError
	if errors.As(err, &de) {
		switch de.Code {
		case native.ErrorInvalidValue, native.ErrorLaunchOutOfRes, native.ErrorLaunchIncompatible:
			return &backend.LaunchError{Kernel: name, Block: block, Grid: grid, Err: err}
		}
	}
	return backend.Fatal("launch "+name, err)
}

// syncError treats every failure surfacing at synchronization as fatal:
// faults such as illegal addresses are sticky and poison the context.
func syncError(err error) error {
	return backend.Fatal("synchronize", err)
}
