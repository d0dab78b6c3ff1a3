// Package blockdev defines the Block Device Port: the narrow contract the
// buffer cache and filesystem layers use to move sectors to and from
// persistent storage, and a real file-backed implementation of it.
package blockdev

import (
	"context"

	"github.com/pkg/errors"
)

// SectorSize is the fixed sector size the whole stack addresses in.
const SectorSize = 512

// ErrIO marks an error as a fatal device-level failure. Callers above this
// package treat ErrIO as non-recoverable for the affected sector range.
var ErrIO = errors.New("blockdev: device i/o error")

// Device is the contract the ABC and VFS layers use to reach storage. All
// offsets and lengths are in sectors of SectorSize bytes, never bytes.
type Device interface {
	// ReadSectors fills dst (which must be exactly nsec*SectorSize bytes)
	// with the contents of sectors [start, start+nsec).
	ReadSectors(ctx context.Context, start, nsec uint32, dst []byte) error

	// WriteSectors writes src (which must be exactly nsec*SectorSize bytes)
	// to sectors [start, start+nsec).
	WriteSectors(ctx context.Context, start, nsec uint32, src []byte) error

	// SupportsDMA reports whether the device was opened in a mode where
	// caller buffers are used directly by the kernel (O_DIRECT), meaning
	// the cache need not keep a second copy warm for write-combining.
	SupportsDMA() bool

	// SectorCount reports the total addressable sector count of the device.
	SectorCount() uint32

	// Close releases any underlying resource.
	Close() error
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrIO, format+": %v", append(args, err)...)
}
