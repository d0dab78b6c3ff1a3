package vfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
)

func mountFresh(t *testing.T, totalSectors uint32) *Filesystem {
	t.Helper()
	dev := blockdev.NewMemoryDevice(totalSectors)
	ctx := context.Background()
	require.NoError(t, Format(ctx, dev, totalSectors))

	fs, err := Mount(ctx, dev, DefaultMountOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close(context.Background()) })
	return fs
}

func TestFormatAndMount(t *testing.T) {
	fs := mountFresh(t, 4096)
	names, err := fs.ListDir(context.Background(), fs.RootSector())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateWriteReadFile(t *testing.T) {
	fs := mountFresh(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	sector, err := fs.CreateFile(ctx, fs.RootSector(), "hello.txt", ondisk.FileTypeFile, h)
	require.NoError(t, err)

	hdr, _, err := fs.readHeader(ctx, sector)
	require.NoError(t, err)

	payload := []byte("hello, vstafs world")
	n, err := fs.WriteAt(ctx, hdr, 0, payload, h)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = fs.ReadAt(ctx, hdr, 0, out)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)

	names, err := fs.ListDir(ctx, fs.RootSector())
	require.NoError(t, err)
	assert.Contains(t, names, "hello.txt")

	got, err := fs.Lookup(ctx, fs.RootSector(), "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, sector, got)
}

func TestWriteBeyondExtentGrowsFile(t *testing.T) {
	fs := mountFresh(t, 8192)
	ctx := context.Background()
	h := fs.NewHandle()

	sector, err := fs.CreateFile(ctx, fs.RootSector(), "big.bin", ondisk.FileTypeFile, h)
	require.NoError(t, err)
	hdr, _, err := fs.readHeader(ctx, sector)
	require.NoError(t, err)

	big := make([]byte, ondisk.SectorSize*ondisk.ExtentGrowSectors*2)
	for i := range big {
		big[i] = byte(i)
	}
	n, err := fs.WriteAt(ctx, hdr, 0, big, h)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.True(t, hdr.NBlocks >= 2, "file spanning two grow quanta should hold >=2 extents")

	out := make([]byte, len(big))
	n, err = fs.ReadAt(ctx, hdr, 0, out)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.Equal(t, big, out)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := mountFresh(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	_, err := fs.CreateFile(ctx, fs.RootSector(), "dup", ondisk.FileTypeFile, h)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, fs.RootSector(), "dup", ondisk.FileTypeFile, h)
	assert.ErrorIs(t, err, ErrExists)
}

func TestRemoveFileFreesEntry(t *testing.T) {
	fs := mountFresh(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	_, err := fs.CreateFile(ctx, fs.RootSector(), "gone.txt", ondisk.FileTypeFile, h)
	require.NoError(t, err)
	require.NoError(t, fs.RemoveFile(ctx, fs.RootSector(), "gone.txt", h))

	_, err = fs.Lookup(ctx, fs.RootSector(), "gone.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := fs.ListDir(ctx, fs.RootSector())
	require.NoError(t, err)
	assert.NotContains(t, names, "gone.txt")
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := mountFresh(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	dirSector, err := fs.CreateFile(ctx, fs.RootSector(), "subdir", ondisk.FileTypeDir, h)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, dirSector, "child", ondisk.FileTypeFile, h)
	require.NoError(t, err)

	err = fs.RemoveFile(ctx, fs.RootSector(), "subdir", h)
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestRenameTwoPhase(t *testing.T) {
	fs := mountFresh(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()
	rc := NewRenameCoordinator()

	sector, err := fs.CreateFile(ctx, fs.RootSector(), "old.txt", ondisk.FileTypeFile, h)
	require.NoError(t, err)

	token, err := fs.PrepareRename(ctx, rc, fs.RootSector(), "old.txt", fs.RootSector(), "new.txt", h)
	require.NoError(t, err)

	// Both names resolve to the same file while the rename is in flight.
	got, err := fs.Lookup(ctx, fs.RootSector(), "new.txt")
	require.NoError(t, err)
	assert.Equal(t, sector, got)
	_, err = fs.Lookup(ctx, fs.RootSector(), "old.txt")
	require.NoError(t, err)

	require.NoError(t, fs.CommitRename(ctx, rc, token, h))

	_, err = fs.Lookup(ctx, fs.RootSector(), "old.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err = fs.Lookup(ctx, fs.RootSector(), "new.txt")
	require.NoError(t, err)
	assert.Equal(t, sector, got)
}

// TestWriteAtSyncsDataBeforeHeaderCrash is an S4-style crash-injection
// test: it uses blockdev.FaultyDevice to drop every write from the point
// the file's data has already landed, so the only write that gets lost is
// the FileHeader's own length update. If WriteAt ever went back to merely
// dirtying buffers without waiting for them to reach the device before the
// caller persists the header, this would instead catch the header racing
// ahead of data that was still only queued.
func TestWriteAtSyncsDataBeforeHeaderCrash(t *testing.T) {
	ctx := context.Background()
	mem := blockdev.NewMemoryDevice(4096)
	require.NoError(t, Format(ctx, mem, 4096))

	faulty := blockdev.NewFaultyDevice(mem)
	fs, err := Mount(ctx, faulty, DefaultMountOptions())
	require.NoError(t, err)
	h := fs.NewHandle()

	sector, err := fs.CreateFile(ctx, fs.RootSector(), "crash.bin", ondisk.FileTypeFile, h)
	require.NoError(t, err)

	hdr, ref, err := fs.ReadHeader(ctx, sector)
	require.NoError(t, err)

	payload := []byte("durable-before-header")
	n, err := fs.WriteAt(ctx, hdr, 0, payload, h)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	// Arm the fault now: every write from here on, including the header's
	// own length update below, is silently lost — modeling a crash that
	// happens right after the data write above already landed.
	faulty.DropWritesAfter(faulty.WriteCount())
	require.NoError(t, fs.WriteHeader(ctx, ref, hdr, h))

	// Read the device directly, bypassing the cache, as fsck would after
	// the simulated crash.
	raw := make([]byte, ondisk.SectorSize)
	require.NoError(t, mem.ReadSectors(ctx, sector, 1, raw))
	onDisk, err := ondisk.DecodeFileHeader(raw)
	require.NoError(t, err)

	// The header's length update never reached the device, so it still
	// reports the file as empty — strictly not ahead of what's durable.
	assert.LessOrEqual(t, onDisk.Length, uint64(len(payload)))
	// But the data itself is already there, written before the header
	// update was even attempted.
	assert.Equal(t, payload, raw[ondisk.FileHeaderSize:ondisk.FileHeaderSize+uint32(len(payload))])
}

func TestOutOfSpaceOnTinyDevice(t *testing.T) {
	fs := mountFresh(t, ondisk.FreeListSector+3)
	ctx := context.Background()
	h := fs.NewHandle()

	_, err := fs.CreateFile(ctx, fs.RootSector(), "f1", ondisk.FileTypeFile, h)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, fs.RootSector(), "f2", ondisk.FileTypeFile, h)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, fs.RootSector(), "f3", ondisk.FileTypeFile, h)
	assert.ErrorIs(t, err, ErrOutOfSpace)
}
