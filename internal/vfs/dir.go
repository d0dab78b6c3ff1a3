package vfs

import (
	"context"

	"github.com/vsta/vstafs/internal/abc"
	"github.com/vsta/vstafs/internal/ondisk"
)

const noPos = ^uint32(0)

// forEachEntry scans a directory's slots, calling visit with the decoded
// entry and its byte offset. Stopping early is signaled by visit
// returning false.
func (f *Filesystem) forEachEntry(ctx context.Context, h *ondisk.FileHeader, visit func(pos uint32, e *ondisk.DirEntry) bool) error {
	n := uint32(h.Length) / ondisk.DirEntrySize
	var slot [ondisk.DirEntrySize]byte
	for i := uint32(0); i < n; i++ {
		pos := i * ondisk.DirEntrySize
		if _, err := f.ReadAt(ctx, h, pos, slot[:]); err != nil {
			return err
		}
		e, err := ondisk.DecodeDirEntry(slot[:])
		if err != nil {
			return err
		}
		if !visit(pos, e) {
			return nil
		}
	}
	return nil
}

// Lookup resolves name within the directory at dirSector, returning the
// sector of its FileHeader.
func (f *Filesystem) Lookup(ctx context.Context, dirSector uint32, name string) (uint32, error) {
	h, _, err := f.readHeader(ctx, dirSector)
	if err != nil {
		return 0, err
	}
	if h.Type != ondisk.FileTypeDir {
		return 0, ErrNotADirectory
	}
	var found uint32
	hit := false
	err = f.forEachEntry(ctx, h, func(pos uint32, e *ondisk.DirEntry) bool {
		if !e.Tombed() && e.NameString() == name {
			found = e.ClusterStart
			hit = true
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if !hit {
		return 0, ErrNotFound
	}
	return found, nil
}

// ListDir returns the live (non-tombed) entry names of the directory at
// dirSector.
func (f *Filesystem) ListDir(ctx context.Context, dirSector uint32) ([]string, error) {
	h, _, err := f.readHeader(ctx, dirSector)
	if err != nil {
		return nil, err
	}
	if h.Type != ondisk.FileTypeDir {
		return nil, ErrNotADirectory
	}
	var names []string
	err = f.forEachEntry(ctx, h, func(pos uint32, e *ondisk.DirEntry) bool {
		if !e.Tombed() {
			names = append(names, e.NameString())
		}
		return true
	})
	return names, err
}

// CreateEntry adds a (name -> targetSector) slot to the directory at
// dirSector, reusing a tombed slot if one is available rather than
// growing the directory unnecessarily. It fails with ErrExists if name is
// already live in the directory.
func (f *Filesystem) CreateEntry(ctx context.Context, dirSector uint32, name string, targetSector uint32, handle uint64) error {
	h, buf, err := f.readHeader(ctx, dirSector)
	if err != nil {
		return err
	}
	if h.Type != ondisk.FileTypeDir {
		return ErrNotADirectory
	}

	reuse := noPos
	exists := false
	err = f.forEachEntry(ctx, h, func(pos uint32, e *ondisk.DirEntry) bool {
		if !e.Tombed() && e.NameString() == name {
			exists = true
			return false
		}
		if e.Tombed() && reuse == noPos {
			reuse = pos
		}
		return true
	})
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}

	de := &ondisk.DirEntry{ClusterStart: targetSector}
	if err := de.SetName(name); err != nil {
		return err
	}
	raw, err := de.Encode()
	if err != nil {
		return err
	}

	pos := reuse
	if pos == noPos {
		pos = uint32(h.Length)
	}
	if _, err := f.WriteAt(ctx, h, pos, raw, handle); err != nil {
		return err
	}
	return f.writeHeader(ctx, buf, h, handle, true)
}

// RemoveEntry tombs the slot named name in the directory at dirSector and
// returns the sector it pointed at.
func (f *Filesystem) RemoveEntry(ctx context.Context, dirSector uint32, name string, handle uint64) (uint32, error) {
	h, buf, err := f.readHeader(ctx, dirSector)
	if err != nil {
		return 0, err
	}
	if h.Type != ondisk.FileTypeDir {
		return 0, ErrNotADirectory
	}

	var target uint32
	found := false
	err = f.forEachEntry(ctx, h, func(pos uint32, e *ondisk.DirEntry) bool {
		if e.Tombed() || e.NameString() != name {
			return true
		}
		target = e.ClusterStart
		found = true
		e.Tomb()
		raw, encErr := e.Encode()
		if encErr != nil {
			err = encErr
			return false
		}
		if _, werr := f.WriteAt(ctx, h, pos, raw, handle); werr != nil {
			err = werr
			return false
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	if err := f.writeHeader(ctx, buf, h, handle, true); err != nil {
		return 0, err
	}
	return target, nil
}

// CreateFile allocates a fresh, single-sector FileHeader of the given
// type and links it into the directory at dirSector under name.
func (f *Filesystem) CreateFile(ctx context.Context, dirSector uint32, name string, ftype uint8, handle uint64) (uint32, error) {
	f.flMu.Lock()
	start, err := f.fl.alloc(1)
	f.flMu.Unlock()
	if err != nil {
		return 0, err
	}

	h := &ondisk.FileHeader{
		Revision: 1,
		Type:     ftype,
		NLink:    1,
		NBlocks:  1,
	}
	h.Blocks[0] = ondisk.Extent{Start: start, Len: 1}
	h.Prot.Default = 0o644

	buf, err := f.cache.FindBuf(ctx, start, 1, abc.FillNone)
	if err != nil {
		f.reclaim(start, 1)
		return 0, err
	}
	if err := f.writeHeader(ctx, buf, h, handle, true); err != nil {
		f.reclaim(start, 1)
		return 0, err
	}
	if err := f.CreateEntry(ctx, dirSector, name, start, handle); err != nil {
		f.reclaim(start, 1)
		return 0, err
	}
	return start, nil
}

// RemoveFile unlinks name from the directory at dirSector and, once its
// link count drops to zero, frees every extent backing it. A non-empty
// directory cannot be removed.
func (f *Filesystem) RemoveFile(ctx context.Context, dirSector uint32, name string, handle uint64) error {
	target, err := f.Lookup(ctx, dirSector, name)
	if err != nil {
		return err
	}

	h, buf, err := f.readHeader(ctx, target)
	if err != nil {
		return err
	}
	if h.Type == ondisk.FileTypeDir {
		entries, err := f.ListDir(ctx, target)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return ErrNotEmpty
		}
	}
	if _, err := f.RemoveEntry(ctx, dirSector, name, handle); err != nil {
		return err
	}

	h.NLink--
	if h.NLink == 0 {
		f.flMu.Lock()
		for i := uint32(0); i < h.NBlocks; i++ {
			f.fl.free(h.Blocks[i].Start, h.Blocks[i].Len)
		}
		f.flMu.Unlock()
		return nil
	}
	return f.writeHeader(ctx, buf, h, handle, true)
}

func (f *Filesystem) reclaim(start, nsec uint32) {
	f.flMu.Lock()
	f.fl.free(start, nsec)
	f.flMu.Unlock()
}
