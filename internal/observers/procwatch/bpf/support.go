//go:build linux
// +build linux

package bpf

import "runtime"

// IsSupported checks if eBPF is supported on this platform
func IsSupported() bool {
	return runtime.GOOS == "linux"
}
