//go:build linux
// +build linux

package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// Build the object with:
//
//	clang -O2 -g -target bpf -c procwatch.bpf.c -o procwatch.bpf.o
//
// The object is loaded from disk at runtime so the loader does not depend on
// generated code.

// ProcwatchObjects contains all programs and maps after they have been loaded
// into the kernel.
type ProcwatchObjects struct {
	ProcwatchPrograms
	ProcwatchMaps
}

// ProcwatchPrograms contains the tracepoint programs.
type ProcwatchPrograms struct {
	TraceProcessExec *ebpf.Program `ebpf:"trace_process_exec"`
	TraceProcessExit *ebpf.Program `ebpf:"trace_process_exit"`
	TraceKillEntry   *ebpf.Program `ebpf:"trace_kill_entry"`
	TraceKillExit    *ebpf.Program `ebpf:"trace_kill_exit"`
}

// ProcwatchMaps contains the maps shared with userspace.
type ProcwatchMaps struct {
	Events  *ebpf.Map `ebpf:"events"`
	Dropped *ebpf.Map `ebpf:"dropped"`
}

func (p *ProcwatchPrograms) Close() error {
	return closeAll(p.TraceProcessExec, p.TraceProcessExit, p.TraceKillEntry, p.TraceKillExit)
}

func (m *ProcwatchMaps) Close() error {
	return closeAll(m.Events, m.Dropped)
}

func (o *ProcwatchObjects) Close() error {
	return errors.Join(o.ProcwatchPrograms.Close(), o.ProcwatchMaps.Close())
}

// LoadProcwatch reads the collection spec from the object file at path.
func LoadProcwatch(path string) (*ebpf.CollectionSpec, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec %s: %w", path, err)
	}
	return spec, nil
}

// LoadProcwatchObjects loads the object at path into the kernel and assigns
// its programs and maps to objs.
func LoadProcwatchObjects(path string, objs *ProcwatchObjects, opts *ebpf.CollectionOptions) error {
	spec, err := LoadProcwatch(path)
	if err != nil {
		return err
	}
	return spec.LoadAndAssign(objs, opts)
}

// ReadDropped sums the per-CPU count of frames the kernel could not reserve
// ring buffer space for.
func (m *ProcwatchMaps) ReadDropped() (uint64, error) {
	if m.Dropped == nil {
		return 0, nil
	}
	var perCPU []uint64
	if err := m.Dropped.Lookup(uint32(0), &perCPU); err != nil {
		return 0, fmt.Errorf("lookup dropped counter: %w", err)
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total, nil
}

type closer interface {
	Close() error
}

func closeAll(closers ...closer) error {
	var errs []error
	for _, c := range closers {
		switch v := c.(type) {
		case *ebpf.Program:
			if v == nil {
				continue
			}
		case *ebpf.Map:
			if v == nil {
				continue
			}
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
