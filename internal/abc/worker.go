package abc

import (
	"context"
)

type qioOp int

const (
	opFlush qioOp = iota
	opBarrier
)

// qioReq is one entry on the bounded background queue used to schedule
// asynchronous flushes and barriers. Fills are not queued: IndexBuf and
// ResizeBuf read from the device on the caller's goroutine.
type qioReq struct {
	op   qioOp
	buf  *Buf
	done chan error
}

// bgThread is the single background goroutine draining c.qio, writing
// dirty buffers back to the device. It runs for the lifetime of the
// Cache and is the only goroutine that ever issues a write on behalf of
// the cache (foreground callers only ever read synchronously via
// IndexBuf/ResizeBuf, or queue a write here).
func (c *Cache) bgThread(ctx context.Context) {
	defer c.wg.Done()
	for req := range c.qio {
		switch req.op {
		case opBarrier:
			if req.done != nil {
				req.done <- nil
			}
		case opFlush:
			err := c.flushOne(ctx, req.buf)
			if req.done != nil {
				req.done <- err
			} else if err != nil {
				c.log.WithError(err).WithField("sector", req.buf.Start()).
					Error("background flush failed")
			}
		}
	}
}

func (c *Cache) flushOne(ctx context.Context, b *Buf) error {
	b.mu.Lock()
	if b.flags&flagDirty == 0 {
		b.mu.Unlock()
		return nil
	}
	b.waitNotBusy()
	b.setBusy()
	start := b.start
	nsec := b.nsec
	src := make([]byte, len(b.data))
	copy(src, b.data)
	b.mu.Unlock()

	err := c.dev.WriteSectors(ctx, start, nsec, src)

	b.mu.Lock()
	b.clearBusy()
	if err == nil {
		b.flags &^= flagDirty
		b.clearHandles()
	}
	b.mu.Unlock()
	return err
}
