// Package ondisk defines the byte-exact on-disk structures of the VSTa
// filesystem image and their (de)serialization.
//
// Every struct here maps onto a fixed run of sectors with no implicit
// padding beyond what is written out explicitly, following the same
// restruct.Unpack(raw, defaultEncoding, &x) shape used throughout
// dsoprea-go-exfat's structures.go.
package ondisk

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// defaultEncoding is little-endian throughout, matching the x86 host this
// filesystem format targets.
var defaultEncoding = binary.LittleEndian

const (
	// SectorSize is the fixed unit of on-disk addressing.
	SectorSize = 512

	// MaxExtents bounds the number of (start, len) extents a file header
	// can hold before it must be denied further growth.
	MaxExtents = 32

	// MaxNameLen is the longest name a directory entry can hold.
	MaxNameLen = 28

	// ExtentGrowSectors is the size of a freshly allocated file extent and
	// the most sectors a trailing extent is grown to in place.
	ExtentGrowSectors = 128

	// FSMagic identifies a valid superblock.
	FSMagic = 0xDEADFACE

	// RootSector is the fixed sector of the root directory's FileHeader.
	RootSector = 1

	// FreeListSector is the fixed sector of the first FreeNode.
	FreeListSector = 2

	// NAlloc is the number of (start,len) runs held in one FreeNode.
	NAlloc = 60

	// NReclaim is the number of sectors fsck can stash in the superblock
	// for the live filesystem to reclaim into its free list.
	NReclaim = 16
)

// File types recorded in FileHeader.Type.
const (
	FileTypeFile = 1
	FileTypeDir  = 2
)

// Extent is one contiguous run of sectors belonging to a file.
type Extent struct {
	Start uint32
	Len   uint32
}

// Prot is the 51-byte permission record embedded in a FileHeader. Its
// layout is fixed explicitly here rather than left to compiler-dependent
// struct alignment: default permission bits, then up to 8 (bits, id)
// pairs. The ids follow a 3-byte pad at offset 19, so they are not
// 4-byte aligned.
type Prot struct {
	Len     uint32
	Default uint8
	_       [3]byte
	Bits    [8]uint8
	_       [3]byte
	IDs     [8]uint32
}

// ProtSize is the encoded size of Prot in bytes.
const ProtSize = 4 + 1 + 3 + 8 + 3 + 8*4 // 51

// Superblock occupies sector 0 of the filesystem image.
type Superblock struct {
	Magic        uint32
	TotalSectors uint32
	ExtentSize   uint32
	FreeListPtr  uint32
	ReclaimCount uint32
	Reclaim      [NReclaim]uint32
}

// SuperblockSize is the encoded size of Superblock in bytes.
const SuperblockSize = 4*5 + NReclaim*4

// Encode serializes the superblock into a full sector.
func (s *Superblock) Encode() ([]byte, error) {
	buf, err := restruct.Pack(defaultEncoding, s)
	if err != nil {
		return nil, errors.Wrap(err, "ondisk: encode superblock")
	}
	return padSector(buf), nil
}

// DecodeSuperblock parses a sector-sized buffer into a Superblock.
func DecodeSuperblock(raw []byte) (*Superblock, error) {
	var s Superblock
	if err := restruct.Unpack(raw[:SuperblockSize], defaultEncoding, &s); err != nil {
		return nil, errors.Wrap(err, "ondisk: decode superblock")
	}
	if s.Magic != FSMagic {
		return nil, errors.Errorf("ondisk: bad superblock magic %#x", s.Magic)
	}
	return &s, nil
}

// FreeNode is one link in the on-disk free-list chain.
type FreeNode struct {
	Next    uint32
	NFree   uint32
	Entries [NAlloc]Extent
}

// FreeNodeSize is the encoded size of FreeNode in bytes.
const FreeNodeSize = 4 + 4 + NAlloc*8

func (f *FreeNode) Encode() ([]byte, error) {
	buf, err := restruct.Pack(defaultEncoding, f)
	if err != nil {
		return nil, errors.Wrap(err, "ondisk: encode free node")
	}
	return padSector(buf), nil
}

func DecodeFreeNode(raw []byte) (*FreeNode, error) {
	var f FreeNode
	if err := restruct.Unpack(raw[:FreeNodeSize], defaultEncoding, &f); err != nil {
		return nil, errors.Wrap(err, "ondisk: decode free node")
	}
	return &f, nil
}

// FileHeader is the inline metadata block stored at extent 0, sector 0 of
// every file and directory.
type FileHeader struct {
	PrevVersion uint32
	Revision    uint32
	Length      uint64
	Type        uint8
	_           [3]byte
	NLink       uint32
	Prot        Prot
	Owner       uint32
	NBlocks     uint32
	Blocks      [MaxExtents]Extent
	CTime       int64
	MTime       int64
}

// FileHeaderSize is the encoded size of FileHeader in bytes.
const FileHeaderSize = 4 + 4 + 8 + 1 + 3 + 4 + ProtSize + 4 + 4 + MaxExtents*8 + 8 + 8

func (h *FileHeader) Encode() ([]byte, error) {
	buf, err := restruct.Pack(defaultEncoding, h)
	if err != nil {
		return nil, errors.Wrap(err, "ondisk: encode file header")
	}
	return padSector(buf), nil
}

func DecodeFileHeader(raw []byte) (*FileHeader, error) {
	var h FileHeader
	if err := restruct.Unpack(raw[:FileHeaderSize], defaultEncoding, &h); err != nil {
		return nil, errors.Wrap(err, "ondisk: decode file header")
	}
	return &h, nil
}

// DirEntrySize is the fixed width of one directory slot: a name and the
// sector where that entry's FileHeader begins. ClusterStart is a plain
// sector pointer (0 marks end-of-directory); the high bit of Name[0] marks
// a tombstoned (deleted) slot, keeping ClusterStart free to hold any
// sector number without colliding with the tomb flag.
const DirEntrySize = 32

// NameTombBit marks a DirEntry as deleted without compacting the directory.
const NameTombBit = byte(0x80)

// DirEntry is one fixed-width slot of a directory's contents.
type DirEntry struct {
	Name         [MaxNameLen]byte
	ClusterStart uint32
}

func (d *DirEntry) Encode() ([]byte, error) {
	buf, err := restruct.Pack(defaultEncoding, d)
	if err != nil {
		return nil, errors.Wrap(err, "ondisk: encode dir entry")
	}
	if len(buf) != DirEntrySize {
		return nil, errors.Errorf("ondisk: dir entry encoded to %d bytes, want %d", len(buf), DirEntrySize)
	}
	return buf, nil
}

func DecodeDirEntry(raw []byte) (*DirEntry, error) {
	if len(raw) < DirEntrySize {
		return nil, errors.Errorf("ondisk: dir entry buffer too short: %d", len(raw))
	}
	var d DirEntry
	if err := restruct.Unpack(raw[:DirEntrySize], defaultEncoding, &d); err != nil {
		return nil, errors.Wrap(err, "ondisk: decode dir entry")
	}
	return &d, nil
}

// Tombed reports whether this slot has been deleted.
func (d *DirEntry) Tombed() bool {
	return d.Name[0]&NameTombBit != 0
}

// Tomb marks this slot deleted in place, leaving ClusterStart untouched.
func (d *DirEntry) Tomb() {
	d.Name[0] |= NameTombBit
}

// NameString returns the NUL-trimmed name held in this slot, with the tomb
// bit (if any) masked out of the first byte.
func (d *DirEntry) NameString() string {
	n := 0
	for n < len(d.Name) && d.Name[n] != 0 {
		n++
	}
	b := make([]byte, n)
	copy(b, d.Name[:n])
	if n > 0 {
		b[0] &^= NameTombBit
	}
	return string(b)
}

// SetName copies name into the fixed-width Name field, NUL-padding the
// remainder. It returns an error if name is too long or empty.
func (d *DirEntry) SetName(name string) error {
	if len(name) == 0 {
		return errors.New("ondisk: empty name")
	}
	if len(name) > MaxNameLen {
		return errors.Errorf("ondisk: name %q longer than %d bytes", name, MaxNameLen)
	}
	var buf [MaxNameLen]byte
	copy(buf[:], name)
	d.Name = buf
	return nil
}

func padSector(buf []byte) []byte {
	if len(buf) >= SectorSize {
		return buf[:SectorSize]
	}
	out := make([]byte, SectorSize)
	copy(out, buf)
	return out
}
