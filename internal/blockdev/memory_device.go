package blockdev

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryDevice is an in-RAM Device used by tests, avoiding any filesystem
// dependency for the unit tests of the ABC and VFS layers.
type MemoryDevice struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryDevice allocates a zero-filled device of nsec sectors.
func NewMemoryDevice(nsec uint32) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, int64(nsec)*SectorSize)}
}

func (d *MemoryDevice) ReadSectors(ctx context.Context, start, nsec uint32, dst []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	off := int64(start) * SectorSize
	n := int64(nsec) * SectorSize
	if off+n > int64(len(d.data)) {
		return errors.Errorf("blockdev: read [%d,%d) past device end", start, start+nsec)
	}
	if int64(len(dst)) != n {
		return errors.Errorf("blockdev: read buffer is %d bytes, want %d", len(dst), n)
	}
	copy(dst, d.data[off:off+n])
	return nil
}

func (d *MemoryDevice) WriteSectors(ctx context.Context, start, nsec uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(start) * SectorSize
	n := int64(nsec) * SectorSize
	if off+n > int64(len(d.data)) {
		return errors.Errorf("blockdev: write [%d,%d) past device end", start, start+nsec)
	}
	if int64(len(src)) != n {
		return errors.Errorf("blockdev: write buffer is %d bytes, want %d", len(src), n)
	}
	copy(d.data[off:off+n], src)
	return nil
}

func (d *MemoryDevice) SupportsDMA() bool   { return false }
func (d *MemoryDevice) SectorCount() uint32 { return uint32(len(d.data) / SectorSize) }
func (d *MemoryDevice) Close() error        { return nil }

var _ Device = (*MemoryDevice)(nil)
