package hostfuncs

import (
	"fmt"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
)

// Bytes is raw guest memory indexed by address. Both a Go byte slice and a
// WebAssembly linear memory satisfy it.
type Bytes interface {
	Read(offset, n uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
}

// CheckedMemory enforces capabilities on every access to raw memory. When
// it knows the heap, a reference into the heap arena must also lie inside a
// live block: a capability kept past its Deallocate no longer reaches memory.
//
// A block handed out again is live under its new owner, and an old
// capability with the same bounds reaches it. Holding on to a reference
// after freeing it is the caller's obligation, like freeing it twice.
type CheckedMemory struct {
	raw  Bytes
	heap ports.Heap
}

var _ ports.Memory = (*CheckedMemory)(nil)

// NewCheckedMemory wraps raw. heap may be nil, which disables the liveness
// check.
func NewCheckedMemory(raw Bytes, heap ports.Heap) *CheckedMemory {
	return &CheckedMemory{raw: raw, heap: heap}
}

// live reports whether c stays within a block the heap still holds, or
// points outside the arena altogether.
func (m *CheckedMemory) live(c entities.Capability) bool {
	if m.heap == nil {
		return true
	}
	stats := m.heap.Stats()
	top := uint64(stats.Base) + uint64(stats.Quota)
	if c.Top() <= uint64(stats.Base) || uint64(c.Base()) >= top {
		return true
	}
	block, ok := m.heap.Lookup(c.Address())
	return ok && c.Base() >= block.Base() && c.Top() <= block.Top()
}

// Load copies n bytes at c's address. c must carry PermLoad and cover n bytes.
func (m *CheckedMemory) Load(c entities.Capability, n uint32) ([]byte, error) {
	if !CheckPointer(c, n, entities.Permissions(entities.PermLoad), false) || !m.live(c) {
		return nil, &domainerrors.ValidationError{Operation: "load", Size: n, Pointer: c.Address(), Cap: c}
	}
	data, ok := m.raw.Read(c.Address(), n)
	if !ok {
		return nil, fmt.Errorf("load %d bytes at %#x: outside guest memory", n, c.Address())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Store writes data at c's address. c must carry PermStore and cover data.
func (m *CheckedMemory) Store(c entities.Capability, data []byte) error {
	n := uint32(len(data)) //nolint:gosec // G115: guest memory is 32-bit addressed
	if !CheckPointer(c, n, entities.Permissions(entities.PermStore), false) || !m.live(c) {
		return &domainerrors.ValidationError{Operation: "store", Size: n, Pointer: c.Address(), Cap: c}
	}
	if !m.raw.Write(c.Address(), data) {
		return fmt.Errorf("store %d bytes at %#x: outside guest memory", n, c.Address())
	}
	return nil
}

// SliceBytes is guest memory backed by a Go slice, for in-process guests.
type SliceBytes []byte

// Read returns the n bytes at offset.
func (s SliceBytes) Read(offset, n uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(n)
	if end > uint64(len(s)) {
		return nil, false
	}
	return s[offset:end], true
}

// Write copies data to offset.
func (s SliceBytes) Write(offset uint32, data []byte) bool {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(s)) {
		return false
	}
	copy(s[offset:end], data)
	return true
}
