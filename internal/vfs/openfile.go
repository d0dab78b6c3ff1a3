package vfs

import (
	"context"
	"sync"
)

// OpenFile is the process-wide state shared by every handle that has the
// same file open concurrently, keyed by the file's first sector (its
// identity). Connect/Dup share a reference; Disconnect releases one.
type OpenFile struct {
	Sector    uint32
	HighWrite uint64
	refCount  int
}

// openFileTable tracks one OpenFile per currently-open sector, the way
// RenameCoordinator tracks one renameTxn per in-flight rename token.
type openFileTable struct {
	mu    sync.Mutex
	files map[uint32]*OpenFile
}

func newOpenFileTable() *openFileTable {
	return &openFileTable{files: make(map[uint32]*OpenFile)}
}

// Acquire returns the shared OpenFile for sector, creating it on the first
// reference. Connect and Dup both call this to add a reference.
func (f *Filesystem) Acquire(sector uint32) *OpenFile {
	t := f.open
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.files[sector]
	if !ok {
		of = &OpenFile{Sector: sector}
		t.files[sector] = of
	}
	of.refCount++
	return of
}

// NoteWrite records that a write reached end bytes into sector's file,
// advancing the shared high-water mark used to trim the file back on
// Release if byte_length ever runs ahead of what was actually written.
func (f *Filesystem) NoteWrite(sector uint32, end uint64) {
	t := f.open
	t.mu.Lock()
	defer t.mu.Unlock()
	if of, ok := t.files[sector]; ok && end > of.HighWrite {
		of.HighWrite = end
	}
}

// RefCount reports how many handles currently share sector's OpenFile, or
// 0 if it has none open. Purely observational — callers outside this
// package use it only to populate introspection records, never to gate
// correctness.
func (f *Filesystem) RefCount(sector uint32) int {
	t := f.open
	t.mu.Lock()
	defer t.mu.Unlock()
	if of, ok := t.files[sector]; ok {
		return of.refCount
	}
	return 0
}

// Release drops one reference to sector's OpenFile. When the last
// reference goes away, byte_length is trimmed down to the high-water mark
// shared across every handle that had the file open, per §4.3.9.
func (f *Filesystem) Release(ctx context.Context, sector uint32, handle uint64) error {
	t := f.open
	t.mu.Lock()
	of, ok := t.files[sector]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	of.refCount--
	last := of.refCount <= 0
	high := of.HighWrite
	if last {
		delete(t.files, sector)
	}
	t.mu.Unlock()
	if !last {
		return nil
	}

	h, ref, err := f.ReadHeader(ctx, sector)
	if err != nil {
		return err
	}
	if h.Length > high {
		h.Length = high
		return f.WriteHeader(ctx, ref, h, handle)
	}
	return nil
}
