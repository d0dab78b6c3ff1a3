package vfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
)

// Format writes a fresh superblock, root directory header, and initial
// free list directly to dev, bypassing the buffer cache entirely —
// mkfs runs offline against an unmounted device, following the
// write_header/write_root/write_freelist sequence.
func Format(ctx context.Context, dev blockdev.Device, totalSectors uint32) error {
	if totalSectors <= ondisk.FreeListSector+1 {
		return errors.Errorf("vfs: device too small to format: %d sectors", totalSectors)
	}

	sb := &ondisk.Superblock{
		Magic:        ondisk.FSMagic,
		TotalSectors: totalSectors,
		ExtentSize:   ondisk.ExtentGrowSectors,
		FreeListPtr:  ondisk.FreeListSector,
	}
	if err := writeSector(ctx, dev, 0, sb); err != nil {
		return errors.Wrap(err, "vfs: write superblock")
	}

	root := &ondisk.FileHeader{
		Revision: 1,
		Type:     ondisk.FileTypeDir,
		NLink:    1,
		NBlocks:  1,
	}
	root.Blocks[0] = ondisk.Extent{Start: ondisk.RootSector, Len: 1}
	root.Prot.Default = 0o755
	if err := writeSector(ctx, dev, ondisk.RootSector, root); err != nil {
		return errors.Wrap(err, "vfs: write root header")
	}

	fn := &ondisk.FreeNode{NFree: 1}
	fn.Entries[0] = ondisk.Extent{
		Start: ondisk.FreeListSector + 1,
		Len:   totalSectors - (ondisk.FreeListSector + 1),
	}
	if err := writeSector(ctx, dev, ondisk.FreeListSector, fn); err != nil {
		return errors.Wrap(err, "vfs: write free list")
	}
	return nil
}

type sectorEncoder interface {
	Encode() ([]byte, error)
}

func writeSector(ctx context.Context, dev blockdev.Device, sector uint32, v sectorEncoder) error {
	raw, err := v.Encode()
	if err != nil {
		return err
	}
	return dev.WriteSectors(ctx, sector, 1, raw)
}
