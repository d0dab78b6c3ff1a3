//go:build linux

package blockdev

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	fallocFlags = [...]uint32{
		unix.FALLOC_FL_KEEP_SIZE,
		unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE, // for ZFS
	}
	fallocFlagsIndex int32
)

// preAllocate reserves size bytes in out without changing its reported
// size, retrying with a narrower flag combination on ENOTSUP.
func preAllocate(size int64, out *os.File) error {
	if size <= 0 {
		return nil
	}
	index := atomic.LoadInt32(&fallocFlagsIndex)
again:
	if index >= int32(len(fallocFlags)) {
		return nil
	}
	err := unix.Fallocate(int(out.Fd()), fallocFlags[index], 0, size)
	if err == unix.ENOTSUP {
		index++
		atomic.StoreInt32(&fallocFlagsIndex, index)
		goto again
	}
	return err
}
