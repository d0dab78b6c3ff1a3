package vfs

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/vsta/vstafs/internal/abc"
	"github.com/vsta/vstafs/internal/ondisk"
)

// ErrOutOfSpace is returned when a request cannot be satisfied from the
// free list, either because there are no sectors left or because the free
// list itself has fragmented beyond the metadata capacity reserved for it.
var ErrOutOfSpace = errors.New("vfs: out of space")

// freeList is the in-core mirror of the on-disk FreeNode chain: a sorted,
// coalesced set of free extents plus the sectors currently used to store
// the chain itself. It is rewritten in full on every Flush, grounded on
// a single-linked FreeNode chain (vstafs.h's struct free).
type freeList struct {
	extents     []ondisk.Extent // sorted by Start, no two adjacent or overlapping
	nodeSectors []uint32        // sectors currently holding the chain, in order
}

func extentEnd(e ondisk.Extent) uint32 { return e.Start + e.Len }

// loadFreeList walks the on-disk FreeNode chain starting at head.
func loadFreeList(ctx context.Context, cache *abc.Cache, head uint32) (*freeList, error) {
	fl := &freeList{}
	sector := head
	for sector != 0 {
		buf, err := cache.FindBuf(ctx, sector, 1, abc.FillAll)
		if err != nil {
			return nil, errors.Wrapf(err, "vfs: load free node at %d", sector)
		}
		node, err := ondisk.DecodeFreeNode(buf.Bytes())
		if err != nil {
			return nil, errors.Wrapf(err, "vfs: decode free node at %d", sector)
		}
		fl.nodeSectors = append(fl.nodeSectors, sector)
		for i := uint32(0); i < node.NFree && i < ondisk.NAlloc; i++ {
			fl.extents = append(fl.extents, node.Entries[i])
		}
		sector = node.Next
	}
	fl.normalize()
	return fl, nil
}

// normalize sorts and coalesces adjacent extents.
func (fl *freeList) normalize() {
	sort.Slice(fl.extents, func(i, j int) bool { return fl.extents[i].Start < fl.extents[j].Start })
	out := fl.extents[:0]
	for _, e := range fl.extents {
		if e.Len == 0 {
			continue
		}
		if n := len(out); n > 0 && extentEnd(out[n-1]) == e.Start {
			out[n-1].Len += e.Len
			continue
		}
		out = append(out, e)
	}
	fl.extents = out
}

// alloc removes the first n sectors satisfying a first-fit search and
// returns their starting sector. Matching rw.c's file_grow preference for
// extending a file's trailing extent, callers that want to grow an
// existing extent should call allocAdjacent first.
func (fl *freeList) alloc(n uint32) (start uint32, err error) {
	for i, e := range fl.extents {
		if e.Len < n {
			continue
		}
		start = e.Start
		if e.Len == n {
			fl.extents = append(fl.extents[:i], fl.extents[i+1:]...)
		} else {
			fl.extents[i].Start += n
			fl.extents[i].Len -= n
		}
		return start, nil
	}
	return 0, ErrOutOfSpace
}

// allocAdjacent consumes n sectors immediately following end, if free,
// letting a file's last extent grow in place rather than fragmenting.
func (fl *freeList) allocAdjacent(end uint32, n uint32) bool {
	for i, e := range fl.extents {
		if e.Start != end {
			continue
		}
		if e.Len < n {
			return false
		}
		if e.Len == n {
			fl.extents = append(fl.extents[:i], fl.extents[i+1:]...)
		} else {
			fl.extents[i].Start += n
			fl.extents[i].Len -= n
		}
		return true
	}
	return false
}

// free returns n sectors starting at start to the pool, coalescing with
// neighbors.
func (fl *freeList) free(start, n uint32) {
	fl.extents = append(fl.extents, ondisk.Extent{Start: start, Len: n})
	fl.normalize()
}

// takeMetaSector carves a single sector out of the free pool to serve as
// additional FreeNode storage, used when the chain itself needs to grow.
func (fl *freeList) takeMetaSector() (uint32, bool) {
	if len(fl.extents) == 0 {
		return 0, false
	}
	// Prefer the largest extent so carving metadata sectors doesn't create
	// a storm of one-sector fragments.
	best := 0
	for i, e := range fl.extents[1:] {
		if e.Len > fl.extents[best].Len {
			best = i + 1
		}
	}
	e := fl.extents[best]
	sec := e.Start
	if e.Len == 1 {
		fl.extents = append(fl.extents[:best], fl.extents[best+1:]...)
	} else {
		fl.extents[best].Start++
		fl.extents[best].Len--
	}
	return sec, true
}

// flush rewrites the FreeNode chain in full, growing or shrinking the
// number of chain sectors to fit the current extent count. It returns the
// (possibly changed) head sector.
func (fl *freeList) flush(ctx context.Context, cache *abc.Cache, handle uint64) (head uint32, err error) {
	needed := (len(fl.extents) + ondisk.NAlloc - 1) / ondisk.NAlloc
	if needed == 0 {
		needed = 1 // mkfs always leaves at least an empty terminal node
	}

	for len(fl.nodeSectors) < needed {
		sec, ok := fl.takeMetaSector()
		if !ok {
			return 0, ErrOutOfSpace
		}
		fl.nodeSectors = append(fl.nodeSectors, sec)
		needed = (len(fl.extents) + ondisk.NAlloc - 1) / ondisk.NAlloc
		if needed == 0 {
			needed = 1
		}
	}
	for len(fl.nodeSectors) > needed {
		extra := fl.nodeSectors[len(fl.nodeSectors)-1]
		fl.nodeSectors = fl.nodeSectors[:len(fl.nodeSectors)-1]
		fl.extents = append(fl.extents, ondisk.Extent{Start: extra, Len: 1})
		fl.normalize()
	}

	for i, sec := range fl.nodeSectors {
		node := ondisk.FreeNode{}
		lo := i * ondisk.NAlloc
		hi := lo + ondisk.NAlloc
		if hi > len(fl.extents) {
			hi = len(fl.extents)
		}
		if lo < hi {
			copy(node.Entries[:], fl.extents[lo:hi])
			node.NFree = uint32(hi - lo)
		}
		if i+1 < len(fl.nodeSectors) {
			node.Next = fl.nodeSectors[i+1]
		}
		if err := writeNode(ctx, cache, sec, &node, handle); err != nil {
			return 0, err
		}
	}
	return fl.nodeSectors[0], nil
}

func writeNode(ctx context.Context, cache *abc.Cache, sector uint32, node *ondisk.FreeNode, handle uint64) error {
	buf, err := cache.FindBuf(ctx, sector, 1, abc.FillNone)
	if err != nil {
		return err
	}
	raw, err := node.Encode()
	if err != nil {
		return err
	}
	cache.LockBuf(buf)
	copy(buf.Bytes(), raw)
	cache.DirtyBuf(buf, handle)
	cache.UnlockBuf(buf)
	return cache.SyncBuf(ctx, buf, true)
}
