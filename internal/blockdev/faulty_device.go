package blockdev

import (
	"context"
	"sync/atomic"
)

// FaultyDevice wraps a Device and can be instructed to start silently
// dropping writes after a given number of calls, modeling data lost to an
// unflushed write-behind buffer when the process dies mid-write (S4).
type FaultyDevice struct {
	Device
	writeCount int64
	dropAfter  int64 // 0 means never drop
}

// NewFaultyDevice wraps dev with no fault armed.
func NewFaultyDevice(dev Device) *FaultyDevice {
	return &FaultyDevice{Device: dev}
}

// DropWritesAfter arms the fault: the n+1'th WriteSectors call onward
// returns success to the caller (mimicking a write-behind ack) but never
// reaches the underlying device, simulating data that was never flushed
// before a crash.
func (d *FaultyDevice) DropWritesAfter(n int64) {
	atomic.StoreInt64(&d.dropAfter, n)
}

// WriteCount reports how many WriteSectors calls have been made so far,
// letting a test arm DropWritesAfter at a precise point relative to
// previous writes (e.g. "right after this data write lands, drop the
// next one") rather than guessing a call count in advance.
func (d *FaultyDevice) WriteCount() int64 {
	return atomic.LoadInt64(&d.writeCount)
}

func (d *FaultyDevice) WriteSectors(ctx context.Context, start, nsec uint32, src []byte) error {
	n := atomic.AddInt64(&d.writeCount, 1)
	drop := atomic.LoadInt64(&d.dropAfter)
	if drop > 0 && n > drop {
		return nil
	}
	return d.Device.WriteSectors(ctx, start, nsec, src)
}

var _ Device = (*FaultyDevice)(nil)
