package blockdev

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeviceReadWrite(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDevice(4)
	assert.Equal(t, uint32(4), d.SectorCount())
	assert.False(t, d.SupportsDMA())

	src := make([]byte, 2*SectorSize)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, d.WriteSectors(ctx, 1, 2, src))

	dst := make([]byte, 2*SectorSize)
	require.NoError(t, d.ReadSectors(ctx, 1, 2, dst))
	assert.Equal(t, src, dst)

	require.NoError(t, d.Close())
}

func TestMemoryDeviceBoundsChecks(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDevice(2)

	err := d.ReadSectors(ctx, 1, 2, make([]byte, 2*SectorSize))
	assert.Error(t, err)

	err = d.WriteSectors(ctx, 0, 1, make([]byte, SectorSize+1))
	assert.Error(t, err)
}

func TestFileDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "image.vsta")

	fd, err := CreateFileDevice(path, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), fd.SectorCount())
	require.NoError(t, fd.Close())

	fd, err = OpenFileDevice(path, false)
	require.NoError(t, err)
	defer fd.Close()
	assert.Equal(t, uint32(8), fd.SectorCount())

	src := []byte("vstafs-test-sector-payload------")
	buf := make([]byte, SectorSize)
	copy(buf, src)
	require.NoError(t, fd.WriteSectors(ctx, 3, 1, buf))

	dst := make([]byte, SectorSize)
	require.NoError(t, fd.ReadSectors(ctx, 3, 1, dst))
	assert.Equal(t, buf, dst)
}

func TestFileDeviceRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "image.vsta")
	fd, err := CreateFileDevice(path, 2)
	require.NoError(t, err)
	defer fd.Close()

	err = fd.WriteSectors(ctx, 1, 2, make([]byte, 2*SectorSize))
	assert.Error(t, err)
}

func TestFaultyDeviceDropsWritesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDevice(4)
	faulty := NewFaultyDevice(mem)
	faulty.DropWritesAfter(1)

	payload := func(b byte) []byte {
		buf := make([]byte, SectorSize)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	require.NoError(t, faulty.WriteSectors(ctx, 0, 1, payload(0xAA)))
	require.NoError(t, faulty.WriteSectors(ctx, 1, 1, payload(0xBB)))

	got := make([]byte, SectorSize)
	require.NoError(t, mem.ReadSectors(ctx, 0, 1, got))
	assert.Equal(t, payload(0xAA), got)

	require.NoError(t, mem.ReadSectors(ctx, 1, 1, got))
	assert.NotEqual(t, payload(0xBB), got)
}
