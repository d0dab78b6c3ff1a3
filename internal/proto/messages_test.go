package proto

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/ondisk"
	"github.com/vsta/vstafs/internal/vfs"
)

func mountServer(t *testing.T, totalSectors uint32) (*Server, *vfs.Filesystem) {
	t.Helper()
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice(totalSectors)
	require.NoError(t, vfs.Format(ctx, dev, totalSectors))

	fs, err := vfs.Mount(ctx, dev, vfs.DefaultMountOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close(context.Background()) })

	return NewServer(fs, nil), fs
}

func TestHandleCreateWriteReadRemove(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "a.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)
	sector := reply.Sector

	payload := []byte("vstafs over the wire")
	reply = s.Handle(ctx, Request{Op: OpWrite, Sector: sector, Pos: 0, Data: payload, Handle: h})
	require.Nil(t, reply.Err)
	assert.Equal(t, len(payload), reply.N)

	reply = s.Handle(ctx, Request{Op: OpRead, Sector: sector, Pos: 0, Count: uint32(len(payload)), Handle: h})
	require.Nil(t, reply.Err)
	assert.Equal(t, payload, reply.Data)

	reply = s.Handle(ctx, Request{Op: OpReaddir, DirSector: fs.RootSector()})
	require.Nil(t, reply.Err)
	assert.Contains(t, reply.Names, "a.txt")

	reply = s.Handle(ctx, Request{Op: OpLookup, DirSector: fs.RootSector(), Name: "a.txt"})
	require.Nil(t, reply.Err)
	assert.Equal(t, sector, reply.Sector)

	reply = s.Handle(ctx, Request{Op: OpStat, Sector: sector})
	require.Nil(t, reply.Err)
	assert.Equal(t, len(payload), reply.N)
	assert.Contains(t, string(reply.Data), fmt.Sprintf("size=%d", len(payload)))
	assert.Contains(t, string(reply.Data), "type=file")

	reply = s.Handle(ctx, Request{Op: OpClose, Handle: h})
	assert.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpRemove, DirSector: fs.RootSector(), Name: "a.txt", Handle: h})
	require.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpLookup, DirSector: fs.RootSector(), Name: "a.txt"})
	require.NotNil(t, reply.Err)
	assert.Equal(t, KindNoSuchEntry, reply.Err.Kind)
}

func TestHandleLookupMissingClassifiesNoSuchEntry(t *testing.T) {
	s, fs := mountServer(t, 4096)
	reply := s.Handle(context.Background(), Request{Op: OpLookup, DirSector: fs.RootSector(), Name: "nope"})
	require.NotNil(t, reply.Err)
	assert.Equal(t, KindNoSuchEntry, reply.Err.Kind)
}

func TestHandleRenameLifecycle(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "old.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)
	sector := reply.Sector

	reply = s.Handle(ctx, Request{
		Op: OpRenamePrepare, DirSector: fs.RootSector(), Name: "old.txt",
		DstDirSector: fs.RootSector(), DstName: "new.txt", Handle: h,
	})
	require.Nil(t, reply.Err)
	token := reply.Token
	require.NotEmpty(t, token)

	reply = s.Handle(ctx, Request{Op: OpRenameCommit, Token: token, Handle: h})
	require.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpLookup, DirSector: fs.RootSector(), Name: "new.txt"})
	require.Nil(t, reply.Err)
	assert.Equal(t, sector, reply.Sector)

	reply = s.Handle(ctx, Request{Op: OpLookup, DirSector: fs.RootSector(), Name: "old.txt"})
	require.NotNil(t, reply.Err)
}

func TestHandleWstatSetsOwnerAndPerm(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "owned.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)
	sector := reply.Sector

	reply = s.Handle(ctx, Request{Op: OpWstat, Sector: sector, Handle: h, Data: []byte("owner=42\nperm=600\n")})
	require.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpStat, Sector: sector})
	require.Nil(t, reply.Err)
	assert.Contains(t, string(reply.Data), "owner=42")
	assert.Contains(t, string(reply.Data), "perm=600")
}

func TestHandleWstatRejectsMalformedField(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "bad.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpWstat, Sector: reply.Sector, Handle: h, Data: []byte("nonsense")})
	require.NotNil(t, reply.Err)
	assert.Equal(t, KindInvalidArgument, reply.Err.Kind)
}

func TestHandleConnectDupDisconnectSharesOpenFile(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "shared.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)
	sector := reply.Sector

	reply = s.Handle(ctx, Request{Op: OpConnect, Sector: sector, Handle: h, Name: "shared.txt"})
	require.Nil(t, reply.Err)
	assert.Equal(t, sector, reply.Sector)
	assert.Equal(t, 1, fs.RefCount(sector))

	dup := fs.NewHandle()
	reply = s.Handle(ctx, Request{Op: OpDup, Handle: h, NewHandle: dup})
	require.Nil(t, reply.Err)
	assert.Equal(t, 2, fs.RefCount(sector))

	reply = s.Handle(ctx, Request{Op: OpFID, Handle: dup})
	require.Nil(t, reply.Err)
	assert.Equal(t, sector, reply.Sector)

	reply = s.Handle(ctx, Request{Op: OpDisconnect, Handle: h})
	require.Nil(t, reply.Err)
	assert.Equal(t, 1, fs.RefCount(sector))

	reply = s.Handle(ctx, Request{Op: OpDisconnect, Handle: dup})
	require.Nil(t, reply.Err)
	assert.Equal(t, 0, fs.RefCount(sector))
}

func TestHandleSeekThenAbsreadRoundTrips(t *testing.T) {
	s, fs := mountServer(t, 4096)
	ctx := context.Background()
	h := fs.NewHandle()

	reply := s.Handle(ctx, Request{Op: OpCreate, DirSector: fs.RootSector(), Name: "seek.txt", FileType: ondisk.FileTypeFile, Handle: h})
	require.Nil(t, reply.Err)
	sector := reply.Sector

	payload := []byte("0123456789")
	reply = s.Handle(ctx, Request{Op: OpAbswrite, Sector: sector, Pos: 0, Data: payload, Handle: h})
	require.Nil(t, reply.Err)
	assert.Equal(t, len(payload), reply.N)

	reply = s.Handle(ctx, Request{Op: OpConnect, Sector: sector, Handle: h})
	require.Nil(t, reply.Err)

	reply = s.Handle(ctx, Request{Op: OpSeek, Handle: h, Pos: 5})
	require.Nil(t, reply.Err)
	assert.Equal(t, uint32(5), reply.Pos)

	reply = s.Handle(ctx, Request{Op: OpAbsread, Sector: sector, Pos: 5, Count: 5, Handle: h})
	require.Nil(t, reply.Err)
	assert.Equal(t, []byte("56789"), reply.Data)
}

func TestHandleSeekWithoutConnectIsNoSuchClient(t *testing.T) {
	s, fs := mountServer(t, 4096)
	reply := s.Handle(context.Background(), Request{Op: OpSeek, Handle: fs.NewHandle(), Pos: 3})
	require.NotNil(t, reply.Err)
	assert.Equal(t, KindNoSuchEntry, reply.Err.Kind)
}

func TestHandleUnknownOpIsNoSuchEntry(t *testing.T) {
	s, fs := mountServer(t, 4096)
	reply := s.Handle(context.Background(), Request{Op: Op(999), DirSector: fs.RootSector()})
	require.NotNil(t, reply.Err)
	assert.Equal(t, KindNoSuchEntry, reply.Err.Kind)
}
