package fsck

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
	"github.com/vsta/vstafs/internal/vfs"
)

func TestCheckerPassesOnFreshlyFormattedImage(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(4096)
	require.NoError(t, vfs.Format(ctx, dev, 4096))

	c := NewChecker(dev, Options{AutoFix: true})
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.LostBlocks)
	assert.Equal(t, 1, report.TotalDirs)
}

func TestCheckerFindsLostBlocksAndStagesReclaim(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(4096)
	require.NoError(t, vfs.Format(ctx, dev, 4096))

	// Corrupt the free list so it no longer claims the tail of the disk,
	// producing sectors that are neither allocated nor free-listed.
	raw := make([]byte, ondisk.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, ondisk.FreeListSector, 1, raw))
	node, err := ondisk.DecodeFreeNode(raw)
	require.NoError(t, err)
	node.Entries[0].Len -= 100
	out, err := node.Encode()
	require.NoError(t, err)
	require.NoError(t, dev.WriteSectors(ctx, ondisk.FreeListSector, 1, out))

	c := NewChecker(dev, Options{AutoFix: true})
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, report.LostBlocks, 100)
	assert.NotEmpty(t, report.Repairs)

	var sb ondisk.Superblock
	sbRaw := make([]byte, ondisk.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, 0, 1, sbRaw))
	sbPtr, err := ondisk.DecodeSuperblock(sbRaw)
	require.NoError(t, err)
	sb = *sbPtr
	assert.Equal(t, uint32(ondisk.NReclaim), sb.ReclaimCount)
}

func TestCheckerFlagsMountedTreeIntact(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(4096)
	require.NoError(t, vfs.Format(ctx, dev, 4096))

	fs, err := vfs.Mount(ctx, dev, vfs.DefaultMountOptions())
	require.NoError(t, err)
	handle := fs.NewHandle()
	_, err = fs.CreateFile(ctx, fs.RootSector(), "a.txt", ondisk.FileTypeFile, handle)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, fs.RootSector(), "b", ondisk.FileTypeDir, handle)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx))

	c := NewChecker(dev, Options{AutoFix: true})
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.TotalFiles)
	assert.Equal(t, 2, report.TotalDirs)
}

func TestCheckerTombsEntryWithUnprintableName(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(4096)
	require.NoError(t, vfs.Format(ctx, dev, 4096))

	fs, err := vfs.Mount(ctx, dev, vfs.DefaultMountOptions())
	require.NoError(t, err)
	handle := fs.NewHandle()
	_, err = fs.CreateFile(ctx, fs.RootSector(), "a.txt", ondisk.FileTypeFile, handle)
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx))

	// Corrupt the root directory's first slot name byte to an unprintable,
	// non-tomb value (high bit clear, below the printable ASCII range).
	raw := make([]byte, ondisk.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, ondisk.RootSector, 1, raw))
	raw[ondisk.FileHeaderSize] = 0x01
	require.NoError(t, dev.WriteSectors(ctx, ondisk.RootSector, 1, raw))

	c := NewChecker(dev, Options{AutoFix: true})
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Repairs)
	assert.Equal(t, 0, report.TotalFiles)
	assert.Equal(t, 1, report.TotalDirs)

	repaired := make([]byte, ondisk.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, ondisk.RootSector, 1, repaired))
	e, err := ondisk.DecodeDirEntry(repaired[ondisk.FileHeaderSize : ondisk.FileHeaderSize+ondisk.DirEntrySize])
	require.NoError(t, err)
	assert.True(t, e.Tombed())
}

func TestCheckerCountsManySiblingsConcurrently(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(8192)
	require.NoError(t, vfs.Format(ctx, dev, 8192))

	fs, err := vfs.Mount(ctx, dev, vfs.DefaultMountOptions())
	require.NoError(t, err)
	handle := fs.NewHandle()
	const nfiles = 40
	for i := 0; i < nfiles; i++ {
		_, err := fs.CreateFile(ctx, fs.RootSector(), fmt.Sprintf("f%02d.txt", i), ondisk.FileTypeFile, handle)
		require.NoError(t, err)
	}
	require.NoError(t, fs.Close(ctx))

	c := NewChecker(dev, Options{AutoFix: true})
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, nfiles, report.TotalFiles)
	assert.Equal(t, 1, report.TotalDirs)
}
