//go:build linux
// +build linux

package procwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/yairfalse/procwatch/internal/observers/procwatch/bpf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ebpfComponents holds Linux-specific eBPF components
type ebpfComponents struct {
	objs   *bpf.ProcwatchObjects
	links  []link.Link
	reader *ringbuf.Reader
}

// initializeEBPF loads the object, attaches the tracepoints and opens the
// ring buffer reader.
func (o *Observer) initializeEBPF(ctx context.Context) error {
	_, span := o.tracer.Start(ctx, "procwatch.init_ebpf")
	defer span.End()

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		o.logger.Debug("Loading eBPF programs",
			zap.String("kernel", string(bytes.TrimRight(uts.Release[:], "\x00"))),
			zap.String("object", o.config.BPFObjectPath),
		)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		o.logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	objs := &bpf.ProcwatchObjects{}
	if err := bpf.LoadProcwatchObjects(o.config.BPFObjectPath, objs, nil); err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			o.logger.Error("eBPF verifier error", zap.String("details", fmt.Sprintf("%+v", ve)))
		}
		return fmt.Errorf("failed to load eBPF objects: %w", err)
	}

	links, err := o.attachTracepoints(objs)
	if err != nil {
		objs.Close()
		return err
	}

	reader, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		closeLinks(links, o.logger)
		objs.Close()
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}

	o.ebpfState = &ebpfComponents{
		objs:   objs,
		links:  links,
		reader: reader,
	}

	o.logger.Info("eBPF process monitoring started", zap.Int("attached_links", len(links)))
	return nil
}

// attachTracepoints attaches exec and exit, which are required, and the kill
// pair. An entry without its exit would leave tracker entries that never
// resolve, so the kill pair is attached together or not at all.
func (o *Observer) attachTracepoints(objs *bpf.ProcwatchObjects) ([]link.Link, error) {
	var links []link.Link

	required := []struct {
		group, name string
		prog        *ebpf.Program
	}{
		{"sched", "sched_process_exec", objs.TraceProcessExec},
		{"sched", "sched_process_exit", objs.TraceProcessExit},
	}
	for _, tp := range required {
		l, err := link.Tracepoint(tp.group, tp.name, tp.prog, nil)
		if err != nil {
			closeLinks(links, o.logger)
			return nil, fmt.Errorf("failed to attach %s/%s: %w", tp.group, tp.name, err)
		}
		links = append(links, l)
	}

	entry, err := link.Tracepoint("syscalls", "sys_enter_kill", objs.TraceKillEntry, nil)
	if err != nil {
		o.logger.Warn("Kill tracing disabled, entry tracepoint unavailable", zap.Error(err))
		return links, nil
	}
	exit, err := link.Tracepoint("syscalls", "sys_exit_kill", objs.TraceKillExit, nil)
	if err != nil {
		entry.Close()
		o.logger.Warn("Kill tracing disabled, exit tracepoint unavailable", zap.Error(err))
		return links, nil
	}
	return append(links, entry, exit), nil
}

func closeLinks(links []link.Link, logger *zap.Logger) {
	for _, l := range links {
		if err := l.Close(); err != nil {
			logger.Warn("Failed to close eBPF link", zap.Error(err))
		}
	}
}

// cleanupEBPF detaches the programs and releases kernel objects
func (o *Observer) cleanupEBPF() {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.ebpfState.(*ebpfComponents)
	if !ok || state == nil {
		return
	}

	// Links first so no new frames are produced, then the reader to unblock
	// readEBPFEvents.
	closeLinks(state.links, o.logger)
	if state.reader != nil {
		if err := state.reader.Close(); err != nil {
			o.logger.Warn("Failed to close ring buffer reader", zap.Error(err))
		}
	}
	if err := state.objs.Close(); err != nil {
		o.logger.Warn("Failed to close eBPF objects", zap.Error(err))
	}

	o.ebpfState = nil
	o.logger.Info("eBPF process monitoring stopped")
}

// readEBPFEvents reads frames until the reader is closed
func (o *Observer) readEBPFEvents(ctx context.Context) {
	o.mu.RLock()
	state, ok := o.ebpfState.(*ebpfComponents)
	o.mu.RUnlock()
	if !ok || state == nil {
		o.logger.Debug("eBPF state not ready for event processing")
		return
	}

	var record ringbuf.Record
	for {
		if err := state.reader.ReadInto(&record); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				o.logger.Debug("Ring buffer closed, exiting event processing")
				return
			}
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("Failed to read from ring buffer", zap.Error(err))
			o.RecordError(ctx, err)
			continue
		}

		if err := o.handleFrame(ctx, record.RawSample); err != nil {
			o.logger.Debug("Failed to process frame", zap.Error(err))
			o.RecordError(ctx, err)
		}
	}
}

// readKernelDropped returns frames the kernel could not reserve space for
func (o *Observer) readKernelDropped() (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	state, ok := o.ebpfState.(*ebpfComponents)
	if !ok || state == nil {
		return 0, nil
	}
	return state.objs.ReadDropped()
}
