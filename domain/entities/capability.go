package entities

import (
	"fmt"
	"math"
)

// Address is a location in the guest address space.
type Address = uint32

// Capability is a bounded, permission-carrying reference into guest memory.
//
// Its fields are unexported so the only ways to obtain one are RootCapability
// (host boot) and narrowing an existing capability. The zero value is the
// null capability: untagged, address 0, no permissions.
type Capability struct {
	base   Address
	length uint32
	cursor Address
	perms  PermissionSet
	tagged bool
}

// RootCapability mints the capability covering a whole region the host
// controls (a heap arena or the guest globals). It is the host equivalent of
// the boot-time root capability and must never be exposed to guest code.
func RootCapability(base Address, length uint32, perms PermissionSet) Capability {
	if uint64(base)+uint64(length) > math.MaxUint32+1 {
		return Capability{base: base, cursor: base}
	}
	return Capability{
		base:   base,
		length: length,
		cursor: base,
		perms:  perms,
		tagged: true,
	}
}

// Address returns the address the capability currently points at.
func (c Capability) Address() Address { return c.cursor }

// Base returns the lowest address the capability grants access to.
func (c Capability) Base() Address { return c.base }

// Len returns the length of the bounds in bytes.
func (c Capability) Len() uint32 { return c.length }

// Top returns one past the highest accessible address.
func (c Capability) Top() uint64 { return uint64(c.base) + uint64(c.length) }

// Permissions returns the permission set carried by the capability.
func (c Capability) Permissions() PermissionSet { return c.perms }

// Tagged reports whether the validity tag is set.
func (c Capability) Tagged() bool { return c.tagged }

// IsNull reports whether the capability points at address zero.
func (c Capability) IsNull() bool { return c.cursor == 0 }

// Remaining returns the number of bytes between the cursor and the top.
func (c Capability) Remaining() uint32 {
	if uint64(c.cursor) >= c.Top() || c.cursor < c.base {
		return 0
	}
	return uint32(c.Top() - uint64(c.cursor))
}

// Narrow derives a capability for [Base()+offset, Base()+offset+length).
// Narrowing is monotonic: a request reaching outside the current bounds, or
// any narrowing of an untagged capability, yields an untagged result.
func (c Capability) Narrow(offset, length uint32) Capability {
	start := uint64(c.base) + uint64(offset)
	end := start + uint64(length)
	derived := Capability{
		base:   Address(start),
		length: length,
		cursor: Address(start),
		perms:  c.perms,
		tagged: c.tagged,
	}
	if end > c.Top() || start > math.MaxUint32 {
		derived.tagged = false
	}
	return derived
}

// Restrict derives a capability carrying only the permissions in both c and
// perms. Permissions can be removed, never added.
func (c Capability) Restrict(perms PermissionSet) Capability {
	c.perms = c.perms.Intersect(perms)
	return c
}

// WithAddress moves the cursor. The bounds are unchanged; an address outside
// them keeps the tag but leaves no accessible bytes (Remaining returns 0).
func (c Capability) WithAddress(addr Address) Capability {
	c.cursor = addr
	return c
}

// String renders the capability as address, bounds, permissions and tag.
func (c Capability) String() string {
	tag := "v"
	if !c.tagged {
		tag = "-"
	}
	return fmt.Sprintf("%#x [%#x-%#x] %s %s", c.cursor, c.base, c.Top(), c.perms, tag)
}
