package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/kerneltune/internal/backend"
	_ "github.com/samcharles93/kerneltune/internal/backend/dryrun"
)

// parseDevices turns "0" or "0,2" into device ordinals. Duplicates are
// rejected since a device context can only drive one tuner.
func parseDevices(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid device ordinal %q", part)
		}
		if seen[n] {
			return nil, fmt.Errorf("device %d listed twice", n)
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return []int{0}, nil
	}
	return out, nil
}

// openBackends opens one backend per requested device. On error every
// backend opened so far is closed.
func openBackends(name, arch, deviceList string) ([]backend.Backend, error) {
	ordinals, err := parseDevices(deviceList)
	if err != nil {
		return nil, err
	}
	var out []backend.Backend
	for _, dev := range ordinals {
		b, err := backend.New(name, backend.Options{Device: dev, Arch: arch})
		if err != nil {
			_ = closeBackends(out)
			return nil, fmt.Errorf("open %s device %d: %w", name, dev, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func closeBackends(bs []backend.Backend) error {
	var errs []error
	for _, b := range bs {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
