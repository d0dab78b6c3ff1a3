// Package vfs implements the VSTa filesystem: contiguous-extent file
// storage, inline file headers, directories, and rename, layered directly
// on an *abc.Cache.
package vfs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vsta/vstafs/internal/abc"
	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
)

// ErrNotFound reports a missing directory entry.
var ErrNotFound = errors.New("vfs: not found")

// ErrNotADirectory and ErrIsADirectory report a type mismatch between what
// an operation expected and what it found.
var (
	ErrNotADirectory = errors.New("vfs: not a directory")
	ErrIsADirectory  = errors.New("vfs: is a directory")
	ErrExists        = errors.New("vfs: already exists")
	ErrNotEmpty      = errors.New("vfs: directory not empty")
)

// Filesystem is a mounted VSTa filesystem image: an Asynchronous Buffer
// Cache over a block device, plus the superblock and free list state
// needed to grow and shrink files.
type Filesystem struct {
	dev   blockdev.Device
	cache *abc.Cache
	log   *logrus.Entry

	sbMu sync.Mutex
	sb   ondisk.Superblock

	flMu sync.Mutex
	fl   *freeList

	open *openFileTable

	nextHandle uint64
}

// MountOptions configures a Filesystem's cache sizing.
type MountOptions struct {
	CacheCapacity int // CORESEC: max resident buffers
	QIODepth      int // NQIO: background flush queue depth
	Log           *logrus.Entry
}

// DefaultMountOptions matches vstafs.h's CORESEC/NQIO defaults.
func DefaultMountOptions() MountOptions {
	return MountOptions{CacheCapacity: 512, QIODepth: 32}
}

// Mount reads the superblock and free list off dev and returns a ready
// Filesystem. It does not take ownership of dev's lifetime beyond Close.
func Mount(ctx context.Context, dev blockdev.Device, opts MountOptions) (*Filesystem, error) {
	cache := abc.NewCache(dev, opts.CacheCapacity, opts.QIODepth, opts.Log)

	sbBuf, err := cache.FindBuf(ctx, 0, 1, abc.FillAll)
	if err != nil {
		cache.Close()
		return nil, errors.Wrap(err, "vfs: read superblock")
	}
	sb, err := ondisk.DecodeSuperblock(sbBuf.Bytes())
	if err != nil {
		cache.Close()
		return nil, err
	}

	fl, err := loadFreeList(ctx, cache, sb.FreeListPtr)
	if err != nil {
		cache.Close()
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}

	return &Filesystem{
		dev:   dev,
		cache: cache,
		log:   log,
		sb:    *sb,
		fl:    fl,
		open:  newOpenFileTable(),
	}, nil
}

// Close flushes dirty buffers and shuts down the cache's background
// thread. Every dirty buffer is flushed, including ones belonging to
// handles a client never explicitly closed with SyncHandle — an ordinary
// daemon shutdown must not silently drop writes just because OpClose never
// arrived for some handle.
func (f *Filesystem) Close(ctx context.Context) error {
	h := f.NewHandle()
	if err := f.flushFreeList(ctx, h); err != nil {
		f.log.WithError(err).Warn("close: flush free list")
	}
	if err := f.cache.SyncAll(ctx); err != nil {
		f.log.WithError(err).Warn("close: sync all dirty buffers")
	}
	f.cache.Close()
	return f.dev.Close()
}

// NewHandle allocates a unique handle identifier for a newly opened file,
// used to attribute dirty buffers for selective sync_bufs flushing on
// close.
func (f *Filesystem) NewHandle() uint64 {
	return atomic.AddUint64(&f.nextHandle, 1)
}

// RootSector is the fixed sector of the root directory's FileHeader.
func (f *Filesystem) RootSector() uint32 { return ondisk.RootSector }

// HeaderRef is an opaque handle to an in-flight FileHeader's backing
// buffer, returned by ReadHeader and consumed by WriteHeader so callers
// outside this package (the protocol dispatcher) never need to know
// about *abc.Buf.
type HeaderRef struct {
	buf *abc.Buf
}

// ReadHeader reads and decodes the FileHeader at sector, for callers
// outside this package (the protocol dispatcher) that need to inspect or
// mutate it across a request/reply boundary.
func (f *Filesystem) ReadHeader(ctx context.Context, sector uint32) (*ondisk.FileHeader, *HeaderRef, error) {
	h, buf, err := f.readHeader(ctx, sector)
	if err != nil {
		return nil, nil, err
	}
	return h, &HeaderRef{buf: buf}, nil
}

// WriteHeader persists h back through the reference obtained from
// ReadHeader.
func (f *Filesystem) WriteHeader(ctx context.Context, ref *HeaderRef, h *ondisk.FileHeader, handle uint64) error {
	return f.writeHeader(ctx, ref.buf, h, handle, true)
}

// SyncHandle queues every buffer dirtied by handle for flushing, without
// waiting — the fire-and-forget contract a client's close triggers.
func (f *Filesystem) SyncHandle(handle uint64) {
	f.cache.SyncBufs(handle)
}

func (f *Filesystem) readHeader(ctx context.Context, sector uint32) (*ondisk.FileHeader, *abc.Buf, error) {
	buf, err := f.cache.FindBuf(ctx, sector, 1, abc.FillAll)
	if err != nil {
		return nil, nil, err
	}
	h, err := ondisk.DecodeFileHeader(buf.Bytes())
	if err != nil {
		return nil, nil, err
	}
	return h, buf, nil
}

func (f *Filesystem) writeHeader(ctx context.Context, buf *abc.Buf, h *ondisk.FileHeader, handle uint64, wait bool) error {
	raw, err := h.Encode()
	if err != nil {
		return err
	}
	f.cache.LockBuf(buf)
	copy(buf.Bytes()[:ondisk.FileHeaderSize], raw[:ondisk.FileHeaderSize])
	f.cache.DirtyBuf(buf, handle)
	f.cache.UnlockBuf(buf)
	return f.cache.SyncBuf(ctx, buf, wait)
}

// flushFreeList rewrites the free list chain and, if its head sector
// moved, the superblock that points at it.
func (f *Filesystem) flushFreeList(ctx context.Context, handle uint64) error {
	f.flMu.Lock()
	newHead, err := f.fl.flush(ctx, f.cache, handle)
	f.flMu.Unlock()
	if err != nil {
		return err
	}

	f.sbMu.Lock()
	changed := f.sb.FreeListPtr != newHead
	if changed {
		f.sb.FreeListPtr = newHead
	}
	sb := f.sb
	f.sbMu.Unlock()

	if !changed {
		return nil
	}
	sbBuf, err := f.cache.FindBuf(ctx, 0, 1, abc.FillAll)
	if err != nil {
		return err
	}
	raw, err := sb.Encode()
	if err != nil {
		return err
	}
	f.cache.LockBuf(sbBuf)
	copy(sbBuf.Bytes(), raw)
	f.cache.DirtyBuf(sbBuf, handle)
	f.cache.UnlockBuf(sbBuf)
	return f.cache.SyncBuf(ctx, sbBuf, true)
}

// StashReclaim records sectors fsck identified as lost (allocated to no
// file and absent from the free list) into the superblock's reclaim
// queue, for the live filesystem to fold back into its free list on next
// mount — the same channel vstafs.h reserved fs_freesecs[] for.
func (f *Filesystem) StashReclaim(ctx context.Context, sectors []uint32, handle uint64) error {
	f.sbMu.Lock()
	n := uint32(len(sectors))
	if n > ondisk.NReclaim {
		n = ondisk.NReclaim
	}
	f.sb.ReclaimCount = n
	for i := uint32(0); i < n; i++ {
		f.sb.Reclaim[i] = sectors[i]
	}
	sb := f.sb
	f.sbMu.Unlock()

	sbBuf, err := f.cache.FindBuf(ctx, 0, 1, abc.FillAll)
	if err != nil {
		return err
	}
	raw, err := sb.Encode()
	if err != nil {
		return err
	}
	f.cache.LockBuf(sbBuf)
	copy(sbBuf.Bytes(), raw)
	f.cache.DirtyBuf(sbBuf, handle)
	f.cache.UnlockBuf(sbBuf)
	return f.cache.SyncBuf(ctx, sbBuf, true)
}

// DrainReclaim applies and clears any sectors fsck staged for reclaim,
// folding them into the live free list. Called once at mount.
func (f *Filesystem) DrainReclaim(ctx context.Context, handle uint64) error {
	f.sbMu.Lock()
	n := f.sb.ReclaimCount
	secs := make([]uint32, n)
	copy(secs, f.sb.Reclaim[:n])
	f.sb.ReclaimCount = 0
	f.sbMu.Unlock()

	if n == 0 {
		return nil
	}
	f.flMu.Lock()
	for _, s := range secs {
		f.fl.free(s, 1)
	}
	f.flMu.Unlock()
	if err := f.flushFreeList(ctx, handle); err != nil {
		return err
	}
	return f.StashReclaim(ctx, nil, handle)
}
