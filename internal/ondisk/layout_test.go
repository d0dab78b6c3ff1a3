package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperblockRoundTrip(t *testing.T) {
	s := &Superblock{
		Magic:        FSMagic,
		TotalSectors: 4096,
		ExtentSize:   ExtentGrowSectors,
		FreeListPtr:  FreeListSector,
		ReclaimCount: 2,
	}
	s.Reclaim[0] = 10
	s.Reclaim[1] = 11

	raw, err := s.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, SectorSize)

	got, err := DecodeSuperblock(raw)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeSuperblockRejectsBadMagic(t *testing.T) {
	s := &Superblock{Magic: 0x1234}
	raw, err := s.Encode()
	require.NoError(t, err)
	_, err = DecodeSuperblock(raw)
	assert.Error(t, err)
}

func TestFreeNodeRoundTrip(t *testing.T) {
	f := &FreeNode{Next: 0, NFree: 2}
	f.Entries[0] = Extent{Start: 100, Len: 50}
	f.Entries[1] = Extent{Start: 200, Len: 5}

	raw, err := f.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, SectorSize)

	got, err := DecodeFreeNode(raw)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFileHeaderRoundTrip(t *testing.T) {
	h := &FileHeader{
		Revision: 1,
		Length:   12345,
		Type:     FileTypeFile,
		NLink:    1,
		Owner:    7,
		NBlocks:  2,
		CTime:    1000,
		MTime:    2000,
	}
	h.Prot.Default = 0o644
	h.Blocks[0] = Extent{Start: RootSector, Len: 1}
	h.Blocks[1] = Extent{Start: 50, Len: ExtentGrowSectors}

	raw, err := h.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, SectorSize)
	require.LessOrEqual(t, FileHeaderSize, SectorSize)

	got, err := DecodeFileHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDirEntryRoundTripAndTomb(t *testing.T) {
	d := &DirEntry{ClusterStart: 42}
	require.NoError(t, d.SetName("hello.txt"))

	raw, err := d.Encode()
	require.NoError(t, err)
	assert.Len(t, raw, DirEntrySize)

	got, err := DecodeDirEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", got.NameString())
	assert.False(t, got.Tombed())

	got.Tomb()
	assert.True(t, got.Tombed())
	assert.Equal(t, "hello.txt", got.NameString())
	assert.Equal(t, uint32(42), got.ClusterStart)
}

func TestSetNameRejectsOversizeAndEmpty(t *testing.T) {
	d := &DirEntry{}
	assert.Error(t, d.SetName(""))
	assert.Error(t, d.SetName("this-name-is-far-too-long-for-28-bytes"))
}
