// Command mkfs writes a fresh VSTa filesystem image: a superblock, root
// directory header, and initial free list, directly to a device or plain
// file. It runs offline and never touches the buffer cache.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
	"github.com/vsta/vstafs/internal/vfs"
)

var (
	sizeBytes int64
	force     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("mkfs failed")
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkfs <path>",
		Short: "Initialize a VSTa filesystem image",
		Long: `mkfs creates (or overwrites, with --force) a file or block device and
writes an empty VSTa filesystem to it: a superblock, a root directory,
and a free list covering every sector beyond the reserved metadata
region.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkfs(cmd.Context(), args[0])
		},
	}
	cmd.Flags().Int64Var(&sizeBytes, "size", 64<<20, "image size in bytes (rounded down to a whole sector)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func runMkfs(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("mkfs: %s already exists, pass --force to overwrite", path)
	}

	totalSectors := uint32(sizeBytes / blockdev.SectorSize)
	if totalSectors <= ondisk.FreeListSector+1 {
		return fmt.Errorf("mkfs: --size %s is too small (need more than %d sectors)",
			humanize.Bytes(uint64(sizeBytes)), ondisk.FreeListSector+1)
	}

	dev, err := blockdev.CreateFileDevice(path, totalSectors)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := vfs.Format(ctx, dev, totalSectors); err != nil {
		return err
	}

	fmt.Printf("mkfs: wrote vstafs image (magic 0x%x, %s, %d sectors) to %s\n",
		ondisk.FSMagic, humanize.Bytes(uint64(totalSectors)*blockdev.SectorSize), totalSectors, path)
	return nil
}
