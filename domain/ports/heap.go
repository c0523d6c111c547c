package ports

import (
	"context"

	"github.com/capguest/capshim/domain/entities"
)

// Heap is a quota-limited allocator over a region of guest memory.
type Heap interface {
	// Allocate reserves at least size bytes. When the quota cannot satisfy
	// the request it waits for blocks to be freed until ctx is done.
	Allocate(ctx context.Context, size uint32) (entities.Capability, error)

	// Free returns the block starting at the capability's address.
	// Freeing an unknown or already freed block reports ErrUnknownBlock.
	Free(c entities.Capability) error

	// Lookup returns the capability of the live block containing addr.
	Lookup(addr entities.Address) (entities.Capability, bool)

	// Stats reports the current quota accounting.
	Stats() HeapStats
}

// HeapStats is a snapshot of heap accounting.
type HeapStats struct {
	Base     entities.Address
	Quota    uint32
	InUse    uint32
	Blocks   int
	Waiters  int
	Allocs   uint64
	Frees    uint64
	Failures uint64
}
