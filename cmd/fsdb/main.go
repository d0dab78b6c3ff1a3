// Command fsdb is an interactive, read-mostly shell for inspecting a
// VSTa filesystem image sector by sector: the superblock, free list,
// directory contents, and file headers. It reads the raw device directly,
// the same way fsck does, and never mounts the image.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
	"github.com/vsta/vstafs/internal/session"
)

var printPrompt bool

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fsdb:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsdb <path>",
		Short: "Inspect a VSTa filesystem image interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVarP(&printPrompt, "p", "p", false, "print a prompt before each command")
	cmd.AddCommand(sessionsCmd())
	return cmd
}

func sessionsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List open handles and past repairs from a running vstafsd's admin database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSessions(dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "session-db", "vstafsd-admin.db", "path to the admin bbolt database")
	return cmd
}

func printSessions(path string) error {
	s, err := session.Open(path, time.Second)
	if err != nil {
		return err
	}
	defer s.Close()

	handles, err := s.ListHandles()
	if err != nil {
		return err
	}
	fmt.Printf("%d open handle(s):\n", len(handles))
	for _, h := range handles {
		fmt.Printf("  handle=%d sector=%d path=%s refcount=%d opened=%s\n",
			h.Handle, h.Sector, h.Path, h.RefCount, h.OpenedAt.Format(time.RFC3339))
	}

	repairs, err := s.ListRepairs()
	if err != nil {
		return err
	}
	fmt.Printf("%d recorded fsck run(s):\n", len(repairs))
	for _, r := range repairs {
		fmt.Printf("  ran=%s reclaimed=%d tombed=%d errors=%d\n",
			r.RanAt.Format(time.RFC3339), r.SectorsReclaim, r.EntriesTombed, len(r.Errors))
	}
	return nil
}

// shell holds the open device and the command loop's I/O streams.
type shell struct {
	dev blockdev.Device
	out io.Writer
}

func runShell(ctx context.Context, path string) error {
	dev, err := blockdev.OpenFileDevice(path, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	sh := &shell{dev: dev, out: os.Stdout}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if printPrompt {
			fmt.Fprint(sh.out, "fsdb> ")
		}
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "q", "exit":
			return nil
		case "fs":
			sh.cmdFS(ctx)
		case "free":
			sh.cmdFree(ctx, fields[1:])
		case "dir":
			sh.cmdDir(ctx, fields[1:])
		case "file":
			sh.cmdFile(ctx, fields[1:])
		case "sec":
			sh.cmdSec(ctx, fields[1:])
		default:
			fmt.Fprintf(sh.out, "unknown command %q (try: fs, free, dir, file, sec, quit)\n", fields[0])
		}
	}
}

func (sh *shell) readSector(ctx context.Context, sector uint32) ([]byte, error) {
	raw := make([]byte, ondisk.SectorSize)
	if err := sh.dev.ReadSectors(ctx, sector, 1, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (sh *shell) cmdFS(ctx context.Context) {
	raw, err := sh.readSector(ctx, 0)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	sb, err := ondisk.DecodeSuperblock(raw)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	fmt.Fprintf(sh.out, "magic=0x%x total_sectors=%d extent_size=%d free_list=%d reclaim_count=%d\n",
		sb.Magic, sb.TotalSectors, sb.ExtentSize, sb.FreeListPtr, sb.ReclaimCount)
}

func (sh *shell) cmdFree(ctx context.Context, args []string) {
	sector, ok := sh.parseSector(args, 0)
	if !ok {
		return
	}
	raw, err := sh.readSector(ctx, sector)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	node, err := ondisk.DecodeFreeNode(raw)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	fmt.Fprintf(sh.out, "next=%d nfree=%d\n", node.Next, node.NFree)
	for i := uint32(0); i < node.NFree && i < ondisk.NAlloc; i++ {
		e := node.Entries[i]
		fmt.Fprintf(sh.out, "  [%d] start=%d len=%d\n", i, e.Start, e.Len)
	}
}

func (sh *shell) cmdFile(ctx context.Context, args []string) {
	sector, ok := sh.parseSector(args, 0)
	if !ok {
		return
	}
	raw, err := sh.readSector(ctx, sector)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	h, err := ondisk.DecodeFileHeader(raw)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	fmt.Fprintf(sh.out, "type=%d length=%d nlink=%d nblocks=%d revision=%d prev=%d\n",
		h.Type, h.Length, h.NLink, h.NBlocks, h.Revision, h.PrevVersion)
	for i := uint32(0); i < h.NBlocks && i < ondisk.MaxExtents; i++ {
		e := h.Blocks[i]
		fmt.Fprintf(sh.out, "  extent[%d] start=%d len=%d\n", i, e.Start, e.Len)
	}
}

func (sh *shell) cmdDir(ctx context.Context, args []string) {
	sector, ok := sh.parseSector(args, 0)
	if !ok {
		return
	}
	raw, err := sh.readSector(ctx, sector)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	h, err := ondisk.DecodeFileHeader(raw)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	if h.Type != ondisk.FileTypeDir {
		fmt.Fprintf(sh.out, "sector %d is not a directory (type=%d)\n", sector, h.Type)
		return
	}

	var only int = -1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintln(sh.out, "error: bad index", args[1])
			return
		}
		only = n
	}

	n := uint32(h.Length) / ondisk.DirEntrySize
	for i := uint32(0); i < n; i++ {
		if only >= 0 && uint32(only) != i {
			continue
		}
		slot, err := sh.readDirSlot(ctx, h, i*ondisk.DirEntrySize)
		if err != nil {
			fmt.Fprintf(sh.out, "  [%d] error: %v\n", i, err)
			continue
		}
		e, err := ondisk.DecodeDirEntry(slot)
		if err != nil {
			fmt.Fprintf(sh.out, "  [%d] corrupt: %v\n", i, err)
			continue
		}
		status := ""
		if e.Tombed() {
			status = " (tombed)"
		}
		fmt.Fprintf(sh.out, "  [%d] name=%q sector=%d%s\n", i, e.NameString(), e.ClusterStart, status)
	}
}

// readDirSlot walks h's extent map the same way fsck does, since a
// directory's slots may span more than one extent once it has grown.
func (sh *shell) readDirSlot(ctx context.Context, h *ondisk.FileHeader, pos uint32) ([]byte, error) {
	remaining := pos
	for i := uint32(0); i < h.NBlocks && i < ondisk.MaxExtents; i++ {
		ext := h.Blocks[i]
		pad := uint32(0)
		if i == 0 {
			pad = ondisk.FileHeaderSize
		}
		avail := ext.Len*ondisk.SectorSize - pad
		if remaining < avail {
			sectorOffset := pad + remaining
			sector := ext.Start + sectorOffset/ondisk.SectorSize
			inSector := sectorOffset % ondisk.SectorSize
			raw, err := sh.readSector(ctx, sector)
			if err != nil {
				return nil, err
			}
			if inSector+ondisk.DirEntrySize > ondisk.SectorSize {
				next := sector + 1
				if sectorOffset/ondisk.SectorSize+1 >= ext.Len {
					if i+1 >= h.NBlocks || i+1 >= ondisk.MaxExtents {
						return nil, fmt.Errorf("fsdb: dir slot past end of file")
					}
					next = h.Blocks[i+1].Start
				}
				raw2, err := sh.readSector(ctx, next)
				if err != nil {
					return nil, err
				}
				raw = append(raw[:ondisk.SectorSize:ondisk.SectorSize], raw2...)
			}
			return raw[inSector : inSector+ondisk.DirEntrySize], nil
		}
		remaining -= avail
	}
	return nil, fmt.Errorf("fsdb: dir slot past end of file")
}

func (sh *shell) cmdSec(ctx context.Context, args []string) {
	sector, ok := sh.parseSector(args, 0)
	if !ok {
		return
	}
	raw, err := sh.readSector(ctx, sector)
	if err != nil {
		fmt.Fprintln(sh.out, "error:", err)
		return
	}
	fmt.Fprint(sh.out, hexDump(raw))
}

func (sh *shell) parseSector(args []string, idx int) (uint32, bool) {
	if idx >= len(args) {
		fmt.Fprintln(sh.out, "error: missing sector argument")
		return 0, false
	}
	n, err := strconv.ParseUint(args[idx], 10, 32)
	if err != nil {
		fmt.Fprintln(sh.out, "error: bad sector", args[idx])
		return 0, false
	}
	return uint32(n), true
}

func hexDump(raw []byte) string {
	var b strings.Builder
	for off := 0; off < len(raw); off += 16 {
		end := off + 16
		if end > len(raw) {
			end = len(raw)
		}
		fmt.Fprintf(&b, "%08x  ", off)
		for i := off; i < end; i++ {
			fmt.Fprintf(&b, "%02x ", raw[i])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
