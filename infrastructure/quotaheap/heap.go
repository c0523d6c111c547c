// Package quotaheap provides the quota-limited heap the allocator adapter
// draws from: a first-fit arena over a region of guest address space whose
// allocations block, up to the caller's deadline, while the quota is
// exhausted.
package quotaheap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
)

// Granule is the allocation unit. Every block is a multiple of it.
const Granule = 8

// span is a free range of the arena, relative to base.
type span struct {
	off  uint32
	size uint32
}

// Heap is a first-fit allocator with coalescing free spans. It is safe for
// concurrent use; a blocked Allocate is woken by every Free.
type Heap struct {
	mu     sync.Mutex
	root   entities.Capability
	base   entities.Address
	quota  uint32
	free   []span
	blocks map[entities.Address]uint32
	inUse  uint32

	// freed is closed and replaced whenever a block is returned.
	freed   chan struct{}
	waiters int

	allocs   uint64
	frees    uint64
	failures uint64
}

var _ ports.Heap = (*Heap)(nil)

// New creates a heap covering [base, base+quota). The base is rounded up to
// the granule and must not be zero, so no block can ever sit at the null
// address.
func New(base entities.Address, quota uint32) (*Heap, error) {
	aligned := roundUp(uint64(base))
	if aligned == 0 {
		return nil, fmt.Errorf("heap base must be non-zero")
	}
	quota -= quota % Granule
	if quota == 0 {
		return nil, fmt.Errorf("heap quota must be at least %d bytes", Granule)
	}
	if aligned+uint64(quota) > math.MaxUint32+1 {
		return nil, fmt.Errorf("heap [%#x, +%#x) overflows the address space", aligned, quota)
	}

	return &Heap{
		root:   entities.RootCapability(entities.Address(aligned), quota, entities.DataPermissions),
		base:   entities.Address(aligned),
		quota:  quota,
		free:   []span{{off: 0, size: quota}},
		blocks: make(map[entities.Address]uint32),
		freed:  make(chan struct{}),
	}, nil
}

// Allocate reserves at least size bytes, rounded up to the granule. A zero
// size gets one granule. When no span fits it waits for a Free until ctx is
// done. Requests larger than the whole quota fail immediately.
func (h *Heap) Allocate(ctx context.Context, size uint32) (entities.Capability, error) {
	n := roundUp(uint64(size))
	if n == 0 {
		n = Granule
	}

	h.mu.Lock()
	if n > uint64(h.quota) {
		h.failures++
		err := h.quotaError(size)
		h.mu.Unlock()
		return entities.Capability{}, err
	}

	start := time.Now()
	waited := false
	for {
		if c, ok := h.take(uint32(n)); ok {
			h.mu.Unlock()
			return c, nil
		}

		if ctx.Err() != nil {
			h.failures++
			var err error
			switch {
			case !waited:
				err = h.quotaError(size)
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				err = &domainerrors.AllocationError{Size: size, Err: &domainerrors.TimeoutError{
					Operation: "allocate",
					Duration:  time.Since(start),
				}}
			default:
				err = &domainerrors.AllocationError{Size: size, Err: fmt.Errorf("wait aborted: %w", ctx.Err())}
			}
			h.mu.Unlock()
			return entities.Capability{}, err
		}

		freed := h.freed
		h.waiters++
		h.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
		}
		waited = true

		h.mu.Lock()
		h.waiters--
	}
}

// take carves n bytes from the first span that fits. Callers hold h.mu.
func (h *Heap) take(n uint32) (entities.Capability, bool) {
	for i, s := range h.free {
		if s.size < n {
			continue
		}
		if s.size == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{off: s.off + n, size: s.size - n}
		}
		addr := h.base + s.off
		h.blocks[addr] = n
		h.inUse += n
		h.allocs++
		return h.root.Narrow(s.off, n), true
	}
	return entities.Capability{}, false
}

// Free returns the block starting at the capability's address. A
// capability pointing into the middle of a block frees nothing.
func (h *Heap) Free(c entities.Capability) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := c.Address()
	size, ok := h.blocks[addr]
	if !ok {
		return fmt.Errorf("free %#x: %w", addr, domainerrors.ErrUnknownBlock)
	}
	delete(h.blocks, addr)
	h.inUse -= size
	h.frees++
	h.release(span{off: addr - h.base, size: size})

	close(h.freed)
	h.freed = make(chan struct{})
	return nil
}

// release inserts s into the sorted free list, merging neighbours.
// Callers hold h.mu.
func (h *Heap) release(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > s.off })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Lookup returns the capability of the live block containing addr, with its
// cursor set to addr.
func (h *Heap) Lookup(addr entities.Address) (entities.Capability, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size, ok := h.blocks[addr]; ok {
		return h.root.Narrow(addr-h.base, size), true
	}
	for base, size := range h.blocks {
		if addr > base && uint64(addr) < uint64(base)+uint64(size) {
			return h.root.Narrow(base-h.base, size).WithAddress(addr), true
		}
	}
	return entities.Capability{}, false
}

// Stats reports the current quota accounting.
func (h *Heap) Stats() ports.HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return ports.HeapStats{
		Base:     h.base,
		Quota:    h.quota,
		InUse:    h.inUse,
		Blocks:   len(h.blocks),
		Waiters:  h.waiters,
		Allocs:   h.allocs,
		Frees:    h.frees,
		Failures: h.failures,
	}
}

// Root returns the capability covering the whole arena.
func (h *Heap) Root() entities.Capability {
	return h.root
}

func (h *Heap) quotaError(size uint32) error {
	return &domainerrors.AllocationError{Size: size, Err: &domainerrors.MemoryError{
		Requested: size,
		Current:   h.inUse,
		Limit:     h.quota,
	}}
}

func roundUp(n uint64) uint64 {
	return (n + Granule - 1) &^ (Granule - 1)
}
