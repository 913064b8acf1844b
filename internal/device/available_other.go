//go:build !windows

package device

// Available reports whether the WebGPU backend can be initialized.
// Born ships its WebGPU backend for Windows only.
func Available() bool {
	return false
}
