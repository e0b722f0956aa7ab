package procwatch

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
)

// procPoller approximates the exec and exit triggers by diffing the process
// table. A process that starts and exits between two polls is missed, and
// kill syscalls cannot be seen at all.
type procPoller struct {
	interval time.Duration
	probe    *probe.Probe
	logger   *zap.Logger

	listPids func(ctx context.Context) ([]int32, error)
	sample   func(ctx context.Context, pid int32) probe.StaticContext

	known map[int32]probe.StaticContext
}

func newProcPoller(interval time.Duration, p *probe.Probe, logger *zap.Logger) *procPoller {
	return &procPoller{
		interval: interval,
		probe:    p,
		logger:   logger,
		listPids: process.PidsWithContext,
		sample:   sampleProcess,
		known:    make(map[int32]probe.StaticContext),
	}
}

// sampleProcess reads identity from procfs. Anything that cannot be read is
// left zero.
func sampleProcess(ctx context.Context, pid int32) probe.StaticContext {
	sc := probe.StaticContext{Tgid: uint32(pid)}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return sc
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		sc.PPID = uint32(ppid)
	}
	// uids are real, effective, saved, fs
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 1 {
		sc.UID = uint32(uids[1])
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		sc.Command = name
	}
	return sc
}

func (pp *procPoller) run(ctx context.Context) {
	if err := pp.seed(ctx); err != nil {
		pp.logger.Warn("Initial process scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(pp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pp.poll(ctx); err != nil {
				pp.logger.Debug("Process scan failed", zap.Error(err))
			}
		}
	}
}

// seed records the processes that already exist without emitting anything.
func (pp *procPoller) seed(ctx context.Context) error {
	pids, err := pp.listPids(ctx)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return err
		}
		pp.known[pid] = pp.sample(ctx, pid)
	}
	return nil
}

func (pp *procPoller) poll(ctx context.Context) error {
	pids, err := pp.listPids(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int32]struct{}, len(pids))
	for _, pid := range pids {
		seen[pid] = struct{}{}
		if _, ok := pp.known[pid]; ok {
			continue
		}
		sc := pp.sample(ctx, pid)
		pp.known[pid] = sc
		pp.probe.OnProcessCreated(sc)
	}

	for pid, sc := range pp.known {
		if _, ok := seen[pid]; ok {
			continue
		}
		delete(pp.known, pid)
		pp.probe.OnProcessExited(sc)
	}
	return nil
}
