package abc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsta/vstafs/internal/blockdev"
)

func newTestCache(t *testing.T, nsec uint32, capacity int) (*Cache, *blockdev.MemoryDevice) {
	t.Helper()
	dev := blockdev.NewMemoryDevice(nsec)
	c := NewCache(dev, capacity, 32, nil)
	t.Cleanup(c.Close)
	return c, dev
}

func TestFindBufAllocatesAndReuses(t *testing.T) {
	c, _ := newTestCache(t, 1000, 16)
	ctx := context.Background()

	b1, err := c.FindBuf(ctx, 10, 1, FillNone)
	require.NoError(t, err)
	require.NotNil(t, b1)

	b2, err := c.FindBuf(ctx, 10, 1, FillNone)
	require.NoError(t, err)
	assert.Same(t, b1, b2, "same sector should return the same buffer")
}

func TestIndexBufFetchesFromDevice(t *testing.T) {
	c, dev := newTestCache(t, 1000, 16)
	ctx := context.Background()

	payload := make([]byte, blockdev.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, dev.WriteSectors(ctx, 5, 1, payload))

	b, err := c.FindBuf(ctx, 5, 1, FillAll)
	require.NoError(t, err)
	assert.Equal(t, payload, b.Bytes())
}

func TestDirtyBufAndSyncWritesThrough(t *testing.T) {
	c, dev := newTestCache(t, 1000, 16)
	ctx := context.Background()

	b, err := c.FindBuf(ctx, 20, 1, FillAll)
	require.NoError(t, err)

	c.LockBuf(b)
	copy(b.Bytes(), []byte("hello, vstafs"))
	c.DirtyBuf(b, 99)
	c.UnlockBuf(b)

	require.True(t, b.Dirty())
	require.NoError(t, c.SyncBuf(ctx, b, true))
	assert.False(t, b.Dirty())

	out := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, 20, 1, out))
	assert.Equal(t, "hello, vstafs", string(out[:13]))
}

func TestSyncBufsIsFireAndForget(t *testing.T) {
	c, dev := newTestCache(t, 1000, 16)
	ctx := context.Background()

	b, err := c.FindBuf(ctx, 30, 1, FillAll)
	require.NoError(t, err)
	c.LockBuf(b)
	copy(b.Bytes(), []byte("payload"))
	c.DirtyBuf(b, 7)
	c.UnlockBuf(b)

	c.SyncBufs(7)

	require.Eventually(t, func() bool {
		return !b.Dirty()
	}, time.Second, time.Millisecond)

	out := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSectors(ctx, 30, 1, out))
	assert.Equal(t, "payload", string(out[:7]))
}

func TestResizeBufRejectsShrink(t *testing.T) {
	c, _ := newTestCache(t, 1000, 16)
	ctx := context.Background()

	b, err := c.FindBuf(ctx, 40, 4, FillAll)
	require.NoError(t, err)
	assert.ErrorIs(t, c.ResizeBuf(ctx, b, 2), ErrInvalidArgument)
}

func TestResizeBufGrowsAndFetchesNewSectors(t *testing.T) {
	c, dev := newTestCache(t, 1000, 16)
	ctx := context.Background()

	tail := make([]byte, blockdev.SectorSize)
	copy(tail, []byte("tail-sector"))
	require.NoError(t, dev.WriteSectors(ctx, 51, 1, tail))

	b, err := c.FindBuf(ctx, 50, 1, FillAll)
	require.NoError(t, err)
	require.NoError(t, c.ResizeBuf(ctx, b, 2))
	assert.Equal(t, "tail-sector", string(b.Bytes()[blockdev.SectorSize:blockdev.SectorSize+11]))
}

func TestInvalBufRejectsDirty(t *testing.T) {
	c, _ := newTestCache(t, 1000, 16)
	ctx := context.Background()

	b, err := c.FindBuf(ctx, 60, 1, FillAll)
	require.NoError(t, err)
	c.DirtyBuf(b, 1)
	assert.ErrorIs(t, c.InvalBuf(b), ErrBufBusy)
}

func TestAgingEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 1000, 2)
	ctx := context.Background()

	b1, err := c.FindBuf(ctx, 1, 1, FillNone)
	require.NoError(t, err)
	_, err = c.FindBuf(ctx, 2, 1, FillNone)
	require.NoError(t, err)
	// Touch b1 so it's MRU; sector 2 becomes the eviction candidate.
	_, err = c.FindBuf(ctx, 1, 1, FillNone)
	require.NoError(t, err)
	require.NotNil(t, b1)

	_, err = c.FindBuf(ctx, 3, 1, FillNone)
	require.NoError(t, err)

	c.mu.Lock()
	_, stillHasSector2 := c.bufs[2]
	_, hasSector1 := c.bufs[1]
	_, hasSector3 := c.bufs[3]
	c.mu.Unlock()

	assert.False(t, stillHasSector2, "least recently used buffer should have been evicted")
	assert.True(t, hasSector1)
	assert.True(t, hasSector3)
}
