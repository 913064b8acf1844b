//go:build !windows

package main

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/device"
)

// dispatch runs j on the backend for kind. Only the CPU backend is built on
// this platform.
func dispatch(kind device.Kind, j job) error {
	if kind != device.CPU {
		return errors.Errorf("device %s is not supported on this platform", kind)
	}
	return j.onCPU(cpu.New())
}
