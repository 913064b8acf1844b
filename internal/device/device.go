// Package device selects the compute backend once at process start.
//
// The selected Kind is an explicit value: the CLI resolves it from flags or
// the CANOPY_DEVICE environment variable and then constructs exactly one
// Born backend from it, which is passed to every component constructor.
package device

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// EnvVar is the environment variable consulted by the CLI.
const EnvVar = "CANOPY_DEVICE"

// Kind identifies a compute device.
type Kind int

// Supported devices.
const (
	Auto Kind = iota
	CPU
	WebGPU
)

// String returns the lowercase device name.
func (k Kind) String() string {
	switch k {
	case Auto:
		return "auto"
	case CPU:
		return "cpu"
	case WebGPU:
		return "webgpu"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Parse converts a device name to a Kind. The empty string means Auto.
func Parse(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "cpu":
		return CPU, nil
	case "webgpu", "gpu":
		return WebGPU, nil
	default:
		return Auto, errors.Errorf("unknown device %q (want auto, cpu or webgpu)", s)
	}
}

// Select resolves a requested Kind to a concrete one.
//
// Auto resolves to WebGPU when an adapter is available and to CPU otherwise.
// Requesting WebGPU explicitly on a machine without it is an error.
func Select(requested Kind) (Kind, error) {
	return selectWith(requested, Available)
}

func selectWith(requested Kind, available func() bool) (Kind, error) {
	switch requested {
	case CPU:
		return CPU, nil
	case WebGPU:
		if !available() {
			return CPU, errors.New("webgpu requested but no compatible adapter found")
		}
		return WebGPU, nil
	case Auto:
		if available() {
			return WebGPU, nil
		}
		return CPU, nil
	default:
		return CPU, errors.Errorf("unsupported device %s", requested)
	}
}
