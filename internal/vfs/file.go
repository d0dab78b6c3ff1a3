package vfs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vsta/vstafs/internal/abc"
	"github.com/vsta/vstafs/internal/ondisk"
)

// capacity returns the number of data bytes the header's current extents
// can hold, accounting for the inline FileHeader occupying the front of
// extent 0.
func capacity(h *ondisk.FileHeader) uint32 {
	var total uint32
	for i := uint32(0); i < h.NBlocks; i++ {
		ext := h.Blocks[i]
		pad := uint32(0)
		if i == 0 {
			pad = ondisk.FileHeaderSize
		}
		total += ext.Len*ondisk.SectorSize - pad
	}
	return total
}

// extentLoc identifies the buffer window and in-window byte offset a given
// logical file position falls into.
type extentLoc struct {
	sector uint32
	nsec   uint32
	offset uint32
}

func locate(h *ondisk.FileHeader, pos uint32) (extentLoc, bool) {
	remaining := pos
	for i := uint32(0); i < h.NBlocks; i++ {
		ext := h.Blocks[i]
		pad := uint32(0)
		if i == 0 {
			pad = ondisk.FileHeaderSize
		}
		avail := ext.Len*ondisk.SectorSize - pad
		if remaining < avail {
			return extentLoc{sector: ext.Start, nsec: ext.Len, offset: pad + remaining}, true
		}
		remaining -= avail
	}
	return extentLoc{}, false
}

// growFile extends h's last extent in place, up to ExtentGrowSectors
// sectors in total, if the sectors immediately following it are free;
// otherwise (or once the last extent already holds ExtentGrowSectors
// sectors) it allocates a fresh ExtentGrowSectors extent — file_grow's
// contiguous-first strategy with no extent longer than the quantum.
func (f *Filesystem) growFile(h *ondisk.FileHeader) error {
	if h.NBlocks >= ondisk.MaxExtents {
		return ErrOutOfSpace
	}
	f.flMu.Lock()
	defer f.flMu.Unlock()

	if h.NBlocks > 0 {
		last := &h.Blocks[h.NBlocks-1]
		if last.Len < ondisk.ExtentGrowSectors {
			room := ondisk.ExtentGrowSectors - last.Len
			if f.fl.allocAdjacent(last.Start+last.Len, room) {
				last.Len += room
				return nil
			}
		}
	}
	start, err := f.fl.alloc(ondisk.ExtentGrowSectors)
	if err != nil {
		return err
	}
	h.Blocks[h.NBlocks] = ondisk.Extent{Start: start, Len: ondisk.ExtentGrowSectors}
	h.NBlocks++
	return nil
}

// bmap returns the buffer and byte range covering up to cnt bytes
// starting at pos, growing the file first if forWrite extends past its
// current capacity. step is the number of bytes actually available in
// the returned window, which may be less than cnt at an extent boundary.
func (f *Filesystem) bmap(ctx context.Context, h *ondisk.FileHeader, pos, cnt uint32, forWrite bool) (buf *abc.Buf, data []byte, step uint32, err error) {
	if forWrite {
		for pos+cnt > capacity(h) {
			if err := f.growFile(h); err != nil {
				return nil, nil, 0, err
			}
		}
	}
	loc, ok := locate(h, pos)
	if !ok {
		return nil, nil, 0, errors.New("vfs: bmap past end of file")
	}
	b, err := f.cache.FindBuf(ctx, loc.sector, loc.nsec, abc.FillAll)
	if err != nil {
		return nil, nil, 0, err
	}
	avail := loc.nsec*ondisk.SectorSize - loc.offset
	step = cnt
	if step > avail {
		step = avail
	}
	return b, b.Bytes()[loc.offset : loc.offset+step], step, nil
}

// ReadAt reads up to len(dst) bytes starting at pos, stopping at the
// file's recorded length, and returns the number of bytes read.
func (f *Filesystem) ReadAt(ctx context.Context, h *ondisk.FileHeader, pos uint32, dst []byte) (int, error) {
	if uint64(pos) >= h.Length {
		return 0, nil
	}
	remaining := uint32(h.Length) - pos
	want := uint32(len(dst))
	if want > remaining {
		want = remaining
	}
	var n uint32
	for n < want {
		_, data, step, err := f.bmap(ctx, h, pos+n, want-n, false)
		if err != nil {
			return int(n), err
		}
		copy(dst[n:n+step], data)
		n += step
	}
	return int(n), nil
}

// WriteAt writes src at pos, growing the file as needed, and dirties every
// touched buffer under handle. It synchronously flushes each touched
// buffer to the device before advancing h.Length: a caller that persists h
// right after WriteAt returns (as the protocol dispatcher does) must never
// be able to make FileHeader.Length advertise bytes that aren't yet
// durable, per the data-before-header crash-safety ordering the on-disk
// format requires.
func (f *Filesystem) WriteAt(ctx context.Context, h *ondisk.FileHeader, pos uint32, src []byte, handle uint64) (int, error) {
	var n uint32
	want := uint32(len(src))
	for n < want {
		buf, data, step, err := f.bmap(ctx, h, pos+n, want-n, true)
		if err != nil {
			return int(n), err
		}
		f.cache.LockBuf(buf)
		copy(data, src[n:n+step])
		f.cache.DirtyBuf(buf, handle)
		f.cache.UnlockBuf(buf)
		if err := f.cache.SyncBuf(ctx, buf, true); err != nil {
			return int(n), err
		}
		n += step
	}
	if end := uint64(pos) + uint64(n); end > h.Length {
		h.Length = end
		f.NoteWrite(h.Blocks[0].Start, end)
	}
	return int(n), nil
}
