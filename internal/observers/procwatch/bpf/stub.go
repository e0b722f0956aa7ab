//go:build !linux
// +build !linux

package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Stub types for non-Linux platforms

// ProcwatchObjects contains the eBPF objects (stub for non-Linux)
type ProcwatchObjects struct {
	ProcwatchPrograms
	ProcwatchMaps
}

func (o *ProcwatchObjects) Close() error {
	return nil
}

// ProcwatchPrograms contains the eBPF programs (stub for non-Linux)
type ProcwatchPrograms struct {
	TraceProcessExec *ebpf.Program
	TraceProcessExit *ebpf.Program
	TraceKillEntry   *ebpf.Program
	TraceKillExit    *ebpf.Program
}

// ProcwatchMaps contains the eBPF maps (stub for non-Linux)
type ProcwatchMaps struct {
	Events  *ebpf.Map
	Dropped *ebpf.Map
}

func (m *ProcwatchMaps) ReadDropped() (uint64, error) {
	return 0, nil
}

func LoadProcwatch(path string) (*ebpf.CollectionSpec, error) {
	return nil, fmt.Errorf("eBPF not supported on this platform")
}

func LoadProcwatchObjects(path string, objs *ProcwatchObjects, opts *ebpf.CollectionOptions) error {
	return fmt.Errorf("eBPF not supported on this platform")
}
