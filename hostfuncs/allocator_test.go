package hostfuncs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
	"github.com/capguest/capshim/infrastructure/quotaheap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenHeap hands out whatever capability it is told to, standing in for a
// host heap with a bug.
type brokenHeap struct {
	cap   entities.Capability
	freed []entities.Capability
}

func (h *brokenHeap) Allocate(context.Context, uint32) (entities.Capability, error) {
	return h.cap, nil
}

func (h *brokenHeap) Free(c entities.Capability) error {
	h.freed = append(h.freed, c)
	return nil
}

func (h *brokenHeap) Lookup(entities.Address) (entities.Capability, bool) {
	return entities.Capability{}, false
}

func (h *brokenHeap) Stats() ports.HeapStats { return ports.HeapStats{} }

func newTestHeap(t *testing.T, quota uint32) *quotaheap.Heap {
	t.Helper()
	h, err := quotaheap.New(0x1000, quota)
	require.NoError(t, err)
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestAllocator_Allocate(t *testing.T) {
	a := NewAllocator(newTestHeap(t, 4096), WithAllocatorLogger(discardLogger()))
	ctx := context.Background()

	for _, size := range []uint32{0, 1, 13, 64, 1000} {
		c, err := a.Allocate(ctx, size)
		require.NoError(t, err)
		assert.True(t, IsValid(c), "size %d: %s", size, c)
		assert.GreaterOrEqual(t, c.Len(), size)
	}
}

func TestAllocator_DefaultTimeout(t *testing.T) {
	a := NewAllocator(newTestHeap(t, 64))
	assert.Equal(t, 50*time.Millisecond, a.Timeout())

	a = NewAllocator(newTestHeap(t, 64), WithAllocTimeout(-1))
	assert.Equal(t, DefaultAllocTimeout, a.Timeout())
}

func TestAllocator_BoundedWait(t *testing.T) {
	a := NewAllocator(newTestHeap(t, 64),
		WithAllocTimeout(20*time.Millisecond),
		WithAllocatorLogger(discardLogger()))
	ctx := context.Background()

	_, err := a.Allocate(ctx, 64)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Allocate(ctx, 8)
	assert.Less(t, time.Since(start), time.Second)

	var allocErr *domainerrors.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.True(t, allocErr.Timeout())
	assert.Equal(t, uint32(8), allocErr.Size)
}

func TestAllocator_CallerDeadlineWins(t *testing.T) {
	a := NewAllocator(newTestHeap(t, 64), WithAllocTimeout(time.Hour))
	_, err := a.Allocate(context.Background(), 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = a.Allocate(ctx, 8)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAllocator_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		cap  entities.Capability
		size uint32
	}{
		{name: "untagged", cap: entities.Capability{}.WithAddress(0x2000), size: 8},
		{name: "null", cap: entities.Capability{}, size: 8},
		{name: "too short", cap: entities.RootCapability(0x2000, 8, entities.DataPermissions), size: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(&brokenHeap{cap: tt.cap})

			_, err := a.Allocate(context.Background(), tt.size)
			var valErr *domainerrors.ValidationError
			require.True(t, errors.As(err, &valErr))
			assert.Equal(t, tt.cap.Address(), valErr.Pointer)
			assert.Equal(t, tt.size, valErr.Size)
		})
	}
}

func TestAllocator_MustAllocateTerminates(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	a := NewAllocator(&brokenHeap{cap: entities.Capability{}.WithAddress(0x2a)}, WithAllocatorLogger(logger))

	ctx := WithUnit(context.Background(), "unit-1")
	term := expectTermination(t, func() { a.MustAllocate(ctx, 24) })

	assert.Equal(t, "unit-1", term.Unit)
	var valErr *domainerrors.ValidationError
	require.True(t, errors.As(term, &valErr))
	assert.Contains(t, logs.String(), "size=24")
	assert.Contains(t, logs.String(), "pointer=0x2a")
}

func TestAllocator_MustAllocateExhaustion(t *testing.T) {
	a := NewAllocator(newTestHeap(t, 64), WithAllocTimeout(5*time.Millisecond), WithAllocatorLogger(discardLogger()))

	term := expectTermination(t, func() { a.MustAllocate(context.Background(), 128) })

	var memErr *domainerrors.MemoryError
	require.True(t, errors.As(term, &memErr))
	assert.Equal(t, uint32(128), memErr.Requested)
}

func TestAllocator_Deallocate(t *testing.T) {
	heap := newTestHeap(t, 64)
	var logs bytes.Buffer
	a := NewAllocator(heap, WithAllocatorLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()

	t.Run("null is a no-op", func(t *testing.T) {
		a.Deallocate(ctx, entities.Capability{})
		assert.Empty(t, logs.String())
	})

	t.Run("returns quota", func(t *testing.T) {
		c := a.MustAllocate(ctx, 64)
		a.Deallocate(ctx, c)
		assert.Zero(t, heap.Stats().InUse)

		again := a.MustAllocate(ctx, 64)
		assert.Equal(t, c.Base(), again.Base())
		a.Deallocate(ctx, again)
	})

	t.Run("double free is logged only", func(t *testing.T) {
		c := a.MustAllocate(ctx, 8)
		a.Deallocate(ctx, c)
		assert.NotPanics(t, func() { a.Deallocate(ctx, c) })
		assert.Contains(t, logs.String(), "deallocate of unknown reference")
	})

	t.Run("untagged reference is ignored", func(t *testing.T) {
		live := a.MustAllocate(ctx, 8)
		a.Deallocate(ctx, entities.Capability{}.WithAddress(live.Address()))
		assert.Equal(t, 1, heap.Stats().Blocks)
		assert.Contains(t, logs.String(), "deallocate of invalid reference")
		a.Deallocate(ctx, live)
	})

	t.Run("narrowed reference is ignored", func(t *testing.T) {
		live := a.MustAllocate(ctx, 32)
		a.Deallocate(ctx, live.Narrow(0, 8))
		assert.Equal(t, 1, heap.Stats().Blocks)
		assert.Contains(t, logs.String(), "narrower than its block")
		a.Deallocate(ctx, live)
		assert.Zero(t, heap.Stats().Blocks)
	})
}

// expectTermination runs fn and returns the termination it raised.
func expectTermination(t *testing.T, fn func()) (term *domainerrors.TerminationError) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a termination")
		var ok bool
		term, ok = AsTermination(r)
		require.True(t, ok, "unexpected panic value %v", r)
	}()
	fn()
	return nil
}
