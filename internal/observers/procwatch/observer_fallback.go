//go:build !linux
// +build !linux

package procwatch

import (
	"context"
	"errors"
)

var errEBPFUnsupported = errors.New("eBPF process monitoring is only available on Linux")

func (o *Observer) initializeEBPF(context.Context) error {
	return errEBPFUnsupported
}

func (o *Observer) cleanupEBPF() {}

func (o *Observer) readEBPFEvents(ctx context.Context) {
	<-ctx.Done()
}

func (o *Observer) readKernelDropped() (uint64, error) {
	return 0, nil
}
