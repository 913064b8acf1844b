//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

// Available reports whether the WebGPU backend can be initialized.
func Available() bool {
	return webgpu.IsAvailable()
}
