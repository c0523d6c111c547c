package quotaheap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeap(t *testing.T, quota uint32) *Heap {
	t.Helper()
	h, err := New(0x1000, quota)
	require.NoError(t, err)
	return h
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		base    entities.Address
		quota   uint32
		wantErr string
	}{
		{name: "valid", base: 0x1000, quota: 64},
		{name: "unaligned base rounds up", base: 0x1001, quota: 64},
		{name: "null base", base: 0, quota: 64, wantErr: "non-zero"},
		{name: "quota below granule", base: 0x1000, quota: 7, wantErr: "at least"},
		{name: "overflow", base: 0xFFFFFFF0, quota: 64, wantErr: "overflows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.base, tt.quota)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Zero(t, h.Stats().Base%Granule)
			assert.True(t, h.Root().Tagged())
		})
	}
}

func TestHeap_AllocateSizing(t *testing.T) {
	h := newHeap(t, 4096)
	ctx := context.Background()

	for _, size := range []uint32{0, 1, 7, 8, 9, 100, 1000} {
		c, err := h.Allocate(ctx, size)
		require.NoError(t, err, "size %d", size)

		assert.True(t, c.Tagged())
		assert.NotZero(t, c.Address())
		assert.Equal(t, c.Base(), c.Address())
		assert.GreaterOrEqual(t, c.Len(), size)
		assert.Zero(t, c.Len()%Granule)
		assert.GreaterOrEqual(t, c.Len(), uint32(Granule))
		assert.Equal(t, entities.DataPermissions, c.Permissions())
	}
}

func TestHeap_BlocksDoNotOverlap(t *testing.T) {
	h := newHeap(t, 1024)
	ctx := context.Background()

	var caps []entities.Capability
	for i := 0; i < 16; i++ {
		c, err := h.Allocate(ctx, 24)
		require.NoError(t, err)
		caps = append(caps, c)
	}

	for i, a := range caps {
		for j, b := range caps {
			if i == j {
				continue
			}
			disjoint := a.Top() <= uint64(b.Base()) || b.Top() <= uint64(a.Base())
			assert.True(t, disjoint, "%s overlaps %s", a, b)
		}
	}
}

func TestHeap_LargerThanQuotaFailsImmediately(t *testing.T) {
	h := newHeap(t, 64)

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	start := time.Now()
	_, err := h.Allocate(ctx, 65)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var memErr *domainerrors.MemoryError
	require.True(t, errors.As(err, &memErr))
	assert.Equal(t, uint32(65), memErr.Requested)
	assert.Equal(t, uint32(64), memErr.Limit)
}

func TestHeap_DeadlineBoundsTheWait(t *testing.T) {
	h := newHeap(t, 64)
	_, err := h.Allocate(context.Background(), 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = h.Allocate(ctx, 8)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)

	var allocErr *domainerrors.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.True(t, allocErr.Timeout())
	assert.Equal(t, uint64(1), h.Stats().Failures)
	assert.Zero(t, h.Stats().Waiters)
}

func TestHeap_ExpiredContextReportsQuota(t *testing.T) {
	h := newHeap(t, 64)
	_, err := h.Allocate(context.Background(), 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Allocate(ctx, 8)
	var memErr *domainerrors.MemoryError
	require.True(t, errors.As(err, &memErr))
	assert.Equal(t, uint32(64), memErr.Current)
}

func TestHeap_ExpiredContextStillAllocatesWhenFree(t *testing.T) {
	h := newHeap(t, 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := h.Allocate(ctx, 8)
	require.NoError(t, err)
	assert.True(t, c.Tagged())
}

func TestHeap_WaiterWokenByFree(t *testing.T) {
	h := newHeap(t, 64)
	held, err := h.Allocate(context.Background(), 64)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = h.Free(held)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := h.Allocate(ctx, 32)
	require.NoError(t, err)
	assert.Equal(t, held.Base(), c.Base())
}

func TestHeap_Free(t *testing.T) {
	h := newHeap(t, 128)
	ctx := context.Background()

	a, err := h.Allocate(ctx, 32)
	require.NoError(t, err)

	t.Run("live block", func(t *testing.T) {
		require.NoError(t, h.Free(a))
		assert.Zero(t, h.Stats().InUse)
		assert.Zero(t, h.Stats().Blocks)
	})

	t.Run("double free", func(t *testing.T) {
		err := h.Free(a)
		assert.ErrorIs(t, err, domainerrors.ErrUnknownBlock)
	})

	t.Run("interior reference", func(t *testing.T) {
		b, err := h.Allocate(ctx, 32)
		require.NoError(t, err)
		assert.ErrorIs(t, h.Free(b.WithAddress(b.Base()+8)), domainerrors.ErrUnknownBlock)
		require.NoError(t, h.Free(b))
	})

	t.Run("foreign reference", func(t *testing.T) {
		foreign := entities.RootCapability(0x9000, 16, entities.DataPermissions)
		assert.ErrorIs(t, h.Free(foreign), domainerrors.ErrUnknownBlock)
	})
}

func TestHeap_FreeCoalesces(t *testing.T) {
	h := newHeap(t, 96)
	ctx := context.Background()

	a, err := h.Allocate(ctx, 32)
	require.NoError(t, err)
	b, err := h.Allocate(ctx, 32)
	require.NoError(t, err)
	c, err := h.Allocate(ctx, 32)
	require.NoError(t, err)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	require.NoError(t, h.Free(b))

	whole, err := h.Allocate(ctx, 96)
	require.NoError(t, err)
	assert.Equal(t, a.Base(), whole.Base())
	assert.Equal(t, uint32(96), whole.Len())
}

func TestHeap_Lookup(t *testing.T) {
	h := newHeap(t, 128)
	a, err := h.Allocate(context.Background(), 40)
	require.NoError(t, err)

	t.Run("base", func(t *testing.T) {
		c, ok := h.Lookup(a.Base())
		require.True(t, ok)
		assert.Equal(t, a, c)
	})

	t.Run("interior", func(t *testing.T) {
		c, ok := h.Lookup(a.Base() + 12)
		require.True(t, ok)
		assert.Equal(t, a.Base(), c.Base())
		assert.Equal(t, a.Base()+12, c.Address())
		assert.Equal(t, a.Len()-12, c.Remaining())
	})

	t.Run("outside", func(t *testing.T) {
		_, ok := h.Lookup(a.Base() + a.Len())
		assert.False(t, ok)
	})

	t.Run("freed", func(t *testing.T) {
		require.NoError(t, h.Free(a))
		_, ok := h.Lookup(a.Base())
		assert.False(t, ok)
	})
}

func TestHeap_Stats(t *testing.T) {
	h := newHeap(t, 64)
	c, err := h.Allocate(context.Background(), 10)
	require.NoError(t, err)

	stats := h.Stats()
	assert.Equal(t, uint32(64), stats.Quota)
	assert.Equal(t, uint32(16), stats.InUse)
	assert.Equal(t, 1, stats.Blocks)
	assert.Equal(t, uint64(1), stats.Allocs)

	require.NoError(t, h.Free(c))
	assert.Equal(t, uint64(1), h.Stats().Frees)
}
