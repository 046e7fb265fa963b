package backend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/kernel"
)

// ErrBackend marks failures that leave the device unusable. The tuner stops
// on them instead of skipping the configuration.
var ErrBackend = errors.New("backend failure")

// CompileError reports a source the compiler rejected.
type CompileError struct {
	Kernel string
	Log    string
	Err    error
}

func (e *CompileError) Error() string {
	msg := "compile " + e.Kernel + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *CompileError) Unwrap() error { return e.Err }

// LaunchError reports a launch the device rejected, typically because the
// block needs more threads, registers or shared memory than it can provide.
type LaunchError struct {
	Kernel string
	Block  kernel.Dim3
	Grid   kernel.Dim3
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s block=%s grid=%s: %v", e.Kernel, e.Block, e.Grid, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Error is a fatal backend failure; it matches ErrBackend.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrBackend, e.Err} }

// Fatal wraps err as a fatal failure of op. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsCompile reports whether err is a compile failure.
func IsCompile(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsLaunch reports whether err is a rejected launch.
func IsLaunch(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// IsFatal reports whether err leaves the backend unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBackend)
}
