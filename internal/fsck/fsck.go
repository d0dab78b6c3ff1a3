// Package fsck implements the VSTa filesystem consistency checker: a
// four-phase, bitmap-based walk of the raw device that validates the
// superblock, free list, and directory tree, and stages any sectors it
// finds orphaned for the live filesystem to reclaim.
//
// fsck runs directly against the block device, bypassing the buffer
// cache entirely — exactly like mkfs, it is an offline tool that assumes
// nothing else has the device mounted.
package fsck

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
)

// Options configures a Checker's interactivity and repair behavior.
type Options struct {
	// AutoFix applies every proposed repair without prompting, the
	// non-interactive path used by automated integrity checks.
	AutoFix bool
	In      io.Reader
	Out     io.Writer
	Log     *logrus.Entry
}

// Report summarizes one fsck run.
type Report struct {
	Errors      []string
	Repairs     []string
	LostBlocks  []uint32
	TotalFiles  int
	TotalDirs   int
}

// Checker walks a raw device image and validates its on-disk structures.
type Checker struct {
	dev   blockdev.Device
	opts  Options
	in    *bufio.Reader
	askMu sync.Mutex // serializes prompts when checkTree descends concurrently
}

// NewChecker builds a Checker over dev.
func NewChecker(dev blockdev.Device, opts Options) *Checker {
	if opts.In == nil {
		opts.In = strings.NewReader("")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.New())
	}
	return &Checker{dev: dev, opts: opts, in: bufio.NewReader(opts.In)}
}

// ask prompts with msg and returns the user's (or AutoFix's) decision.
func (c *Checker) ask(msg string) bool {
	c.askMu.Lock()
	defer c.askMu.Unlock()
	if c.opts.AutoFix {
		fmt.Fprintf(c.opts.Out, "%s [auto-yes]\n", msg)
		return true
	}
	fmt.Fprintf(c.opts.Out, "%s [y/n] ", msg)
	line, _ := c.in.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

// state carries the bitmaps and accumulated findings across the phases of
// one Run. checkTree descends siblings concurrently (via errgroup), so mu
// guards every field below it.
type state struct {
	sb      *ondisk.Superblock
	freemap []bool // sector recorded in the free list, read-only once checkFreeList finishes

	mu       sync.Mutex
	allocmap []bool // sector recorded as backing some file
	report   Report
}

func (s *state) inBounds(sector, nsec uint32) bool {
	if nsec == 0 {
		return false
	}
	end := uint64(sector) + uint64(nsec)
	return end <= uint64(len(s.freemap))
}

func (s *state) addError(msg string) {
	s.mu.Lock()
	s.report.Errors = append(s.report.Errors, msg)
	s.mu.Unlock()
}

func (s *state) addRepair(msg string) {
	s.mu.Lock()
	s.report.Repairs = append(s.report.Repairs, msg)
	s.mu.Unlock()
}

// claimAlloc records sector s as backing a file, reporting (without
// failing the walk) if it was already claimed by another subtree or
// appears in the free list.
func (s *state) claimAlloc(sector uint32, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocmap[sector] {
		s.report.Errors = append(s.report.Errors, fmt.Sprintf("%s: sector %d allocated twice", path, sector))
		return
	}
	if s.freemap[sector] {
		s.report.Errors = append(s.report.Errors, fmt.Sprintf("%s: sector %d both allocated and free-listed", path, sector))
	}
	s.allocmap[sector] = true
}

func (s *state) countFile(isDir bool) {
	s.mu.Lock()
	if isDir {
		s.report.TotalDirs++
	} else {
		s.report.TotalFiles++
	}
	s.mu.Unlock()
}

// Run executes all four phases and returns a summary. It mutates the
// device only when a repair prompt (or AutoFix) accepts a fix.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	sb, err := c.checkRoot(ctx)
	if err != nil {
		return nil, err
	}

	st := &state{
		sb:       sb,
		freemap:  make([]bool, sb.TotalSectors),
		allocmap: make([]bool, sb.TotalSectors),
	}
	st.freemap[0] = true
	st.allocmap[0] = true

	if err := c.checkFreeList(ctx, st); err != nil {
		return nil, err
	}
	if err := c.checkTree(ctx, st, ondisk.RootSector, "/"); err != nil {
		return nil, err
	}
	c.checkLostBlocks(ctx, st)

	return &st.report, nil
}

func (c *Checker) checkRoot(ctx context.Context) (*ondisk.Superblock, error) {
	raw := make([]byte, ondisk.SectorSize)
	if err := c.dev.ReadSectors(ctx, 0, 1, raw); err != nil {
		return nil, errors.Wrap(err, "fsck: read superblock")
	}
	sb, err := ondisk.DecodeSuperblock(raw)
	if err != nil {
		return nil, errors.Wrap(err, "fsck: bad superblock")
	}
	if sb.TotalSectors == 0 || sb.TotalSectors > c.dev.SectorCount() {
		return nil, errors.Errorf("fsck: superblock claims %d sectors, device has %d", sb.TotalSectors, c.dev.SectorCount())
	}
	return sb, nil
}

func (c *Checker) checkFreeList(ctx context.Context, st *state) error {
	sector := st.sb.FreeListPtr
	seen := map[uint32]bool{}
	for sector != 0 {
		if seen[sector] {
			st.report.Errors = append(st.report.Errors, fmt.Sprintf("free list loop at sector %d", sector))
			break
		}
		seen[sector] = true

		raw := make([]byte, ondisk.SectorSize)
		if err := c.dev.ReadSectors(ctx, sector, 1, raw); err != nil {
			return errors.Wrapf(err, "fsck: read free node %d", sector)
		}
		node, err := ondisk.DecodeFreeNode(raw)
		if err != nil {
			st.report.Errors = append(st.report.Errors, fmt.Sprintf("corrupt free node at sector %d: %v", sector, err))
			break
		}
		st.freemap[sector] = true

		for i := uint32(0); i < node.NFree && i < ondisk.NAlloc; i++ {
			e := node.Entries[i]
			if !st.inBounds(e.Start, e.Len) {
				st.report.Errors = append(st.report.Errors,
					fmt.Sprintf("free list entry [%d,%d) out of bounds", e.Start, e.Start+e.Len))
				continue
			}
			for s := e.Start; s < e.Start+e.Len; s++ {
				if st.freemap[s] {
					st.report.Errors = append(st.report.Errors, fmt.Sprintf("sector %d free-listed twice", s))
					continue
				}
				st.freemap[s] = true
			}
		}
		sector = node.Next
	}
	return nil
}

func (c *Checker) checkTree(ctx context.Context, st *state, sector uint32, path string) error {
	if !st.inBounds(sector, 1) {
		st.addError(fmt.Sprintf("%s: header sector %d out of bounds", path, sector))
		return nil
	}
	raw := make([]byte, ondisk.SectorSize)
	if err := c.dev.ReadSectors(ctx, sector, 1, raw); err != nil {
		return errors.Wrapf(err, "fsck: read header %d", sector)
	}
	h, err := ondisk.DecodeFileHeader(raw)
	if err != nil {
		st.addError(fmt.Sprintf("%s: corrupt header at sector %d: %v", path, sector, err))
		return nil
	}
	if h.Type != ondisk.FileTypeFile && h.Type != ondisk.FileTypeDir {
		st.addError(fmt.Sprintf("%s: unknown type %d at sector %d", path, h.Type, sector))
		return nil
	}
	if h.NBlocks == 0 || h.Blocks[0].Start != sector {
		st.addError(fmt.Sprintf("%s: first extent does not start at header sector", path))
	}

	st.countFile(h.Type == ondisk.FileTypeDir)

	for i := uint32(0); i < h.NBlocks && i < ondisk.MaxExtents; i++ {
		e := h.Blocks[i]
		if !st.inBounds(e.Start, e.Len) {
			st.addError(fmt.Sprintf("%s: extent [%d,%d) out of bounds", path, e.Start, e.Start+e.Len))
			continue
		}
		for s := e.Start; s < e.Start+e.Len; s++ {
			st.claimAlloc(s, path)
		}
	}

	if h.PrevVersion != 0 {
		if err := c.checkTree(ctx, st, h.PrevVersion, path+"@prev"); err != nil {
			return err
		}
	}

	if h.Type != ondisk.FileTypeDir {
		return nil
	}

	// Directory slots are read and, where a repair prompt applies,
	// resolved sequentially (the prompt touches shared stdin state via
	// ask); recursing into each live child's own subtree is independent
	// work, so those descents fan out concurrently through an errgroup —
	// the first genuine I/O failure cancels gCtx and is returned, while
	// soft findings (corruption, lost blocks) accumulate in st under its
	// own lock regardless of which goroutine found them.
	g, gCtx := errgroup.WithContext(ctx)
	n := uint32(h.Length) / ondisk.DirEntrySize
	for i := uint32(0); i < n; i++ {
		pos := i * ondisk.DirEntrySize
		slot, err := c.readDirSlot(ctx, h, pos)
		if err != nil {
			st.addError(fmt.Sprintf("%s: failed reading dir slot %d: %v", path, i, err))
			continue
		}
		e, err := ondisk.DecodeDirEntry(slot)
		if err != nil {
			st.addError(fmt.Sprintf("%s: corrupt dir slot %d", path, i))
			continue
		}
		if e.Tombed() {
			continue
		}
		name := e.NameString()
		if !validSlotName(name) {
			if c.ask(fmt.Sprintf("%s: slot %d has an invalid name %q, tomb it?", path, i, name)) {
				e.Tomb()
				c.rewriteDirSlot(ctx, h, pos, e, st)
			} else {
				st.addError(fmt.Sprintf("%s: slot %d has an invalid name %q", path, i, name))
			}
			continue
		}
		childPath := path
		if !strings.HasSuffix(childPath, "/") {
			childPath += "/"
		}
		childPath += name
		childSector := e.ClusterStart
		g.Go(func() error {
			return c.checkTree(gCtx, st, childSector, childPath)
		})
	}
	return g.Wait()
}

// validSlotName reports whether name is a non-empty, printable directory
// entry name. A name that fails this check — empty, or containing a byte
// outside the printable ASCII range — marks a corrupt slot fsck should
// tomb rather than recurse into.
func validSlotName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return false
		}
	}
	return true
}

// readDirSlot reads one directory entry directly via the file's extent
// map, without the buffer cache (fsck never mounts the filesystem).
func (c *Checker) readDirSlot(ctx context.Context, h *ondisk.FileHeader, pos uint32) ([]byte, error) {
	remaining := pos
	for i := uint32(0); i < h.NBlocks; i++ {
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
			raw := make([]byte, ondisk.SectorSize)
			if err := c.dev.ReadSectors(ctx, sector, 1, raw); err != nil {
				return nil, err
			}
			if inSector+ondisk.DirEntrySize > ondisk.SectorSize {
				// Entry straddles a sector boundary: the inline header
				// is not a multiple of DirEntrySize, so slots are not
				// sector-aligned. The rest of the slot is in the next
				// sector of this extent, or at the start of the next
				// extent when this is the extent's last sector.
				next := sector + 1
				if sectorOffset/ondisk.SectorSize+1 >= ext.Len {
					if i+1 >= h.NBlocks {
						return nil, errors.New("fsck: dir slot past end of file")
					}
					next = h.Blocks[i+1].Start
				}
				raw2 := make([]byte, ondisk.SectorSize)
				if err := c.dev.ReadSectors(ctx, next, 1, raw2); err != nil {
					return nil, err
				}
				raw = append(raw, raw2...)
			}
			return raw[inSector : inSector+ondisk.DirEntrySize], nil
		}
		remaining -= avail
	}
	return nil, errors.New("fsck: dir slot past end of file")
}

func (c *Checker) rewriteDirSlot(ctx context.Context, h *ondisk.FileHeader, pos uint32, e *ondisk.DirEntry, st *state) {
	raw, err := e.Encode()
	if err != nil {
		st.addError(fmt.Sprintf("failed to encode repaired dir slot: %v", err))
		return
	}
	remaining := pos
	for i := uint32(0); i < h.NBlocks; i++ {
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
			sectorBuf := make([]byte, ondisk.SectorSize)
			if err := c.dev.ReadSectors(ctx, sector, 1, sectorBuf); err != nil {
				st.addError(fmt.Sprintf("failed to read sector for repair: %v", err))
				return
			}
			copy(sectorBuf[inSector:inSector+ondisk.DirEntrySize], raw)
			if err := c.dev.WriteSectors(ctx, sector, 1, sectorBuf); err != nil {
				st.addError(fmt.Sprintf("failed to write repaired sector: %v", err))
				return
			}
			st.addRepair(fmt.Sprintf("tombed dir slot at sector %d offset %d", sector, inSector))
			return
		}
		remaining -= avail
	}
}

// checkLostBlocks finds sectors neither free-listed nor allocated and
// offers to stage them into the superblock's reclaim queue for the live
// filesystem to fold back into its free list on next mount.
func (c *Checker) checkLostBlocks(ctx context.Context, st *state) {
	var lost []uint32
	for s := uint32(1); s < uint32(len(st.freemap)); s++ {
		if !st.freemap[s] && !st.allocmap[s] {
			lost = append(lost, s)
		}
	}
	if len(lost) == 0 {
		return
	}
	st.report.LostBlocks = lost
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })

	msg := fmt.Sprintf("%d sector(s) are allocated to nothing and absent from the free list, stage for reclaim?", len(lost))
	if !c.ask(msg) {
		return
	}

	n := uint32(len(lost))
	if n > ondisk.NReclaim {
		st.report.Errors = append(st.report.Errors,
			fmt.Sprintf("only %d of %d lost sectors fit the reclaim queue; run fsck again after next mount", ondisk.NReclaim, n))
		n = ondisk.NReclaim
	}
	st.sb.ReclaimCount = n
	for i := uint32(0); i < n; i++ {
		st.sb.Reclaim[i] = lost[i]
	}
	raw, err := st.sb.Encode()
	if err != nil {
		st.report.Errors = append(st.report.Errors, fmt.Sprintf("failed to encode superblock: %v", err))
		return
	}
	if err := c.dev.WriteSectors(ctx, 0, 1, raw); err != nil {
		st.report.Errors = append(st.report.Errors, fmt.Sprintf("failed to write superblock: %v", err))
		return
	}
	st.report.Repairs = append(st.report.Repairs, fmt.Sprintf("staged %d sector(s) for reclaim", n))
}
