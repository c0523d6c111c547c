package hostfuncs

import "github.com/capguest/capshim/domain/entities"

// IsValid reports whether c may be dereferenced: it is non-null, tagged, has
// non-degenerate bounds and its address is inside them with at least one
// addressable byte.
func IsValid(c entities.Capability) bool {
	return c.Tagged() &&
		!c.IsNull() &&
		c.Len() > 0 &&
		c.Remaining() > 0
}

// CheckPointer reports whether c is valid, grants every permission in perms
// and covers space bytes from its address.
//
// checkStack is only honoured when perms contains PermGlobal. When honoured,
// stack-derived capabilities (StoreLocal without Global) are rejected.
func CheckPointer(c entities.Capability, space uint32, perms entities.PermissionSet, checkStack bool) bool {
	if !IsValid(c) {
		return false
	}
	if !c.Permissions().ContainsAll(perms) {
		return false
	}
	if c.Remaining() < space {
		return false
	}
	if checkStack && perms.Contains(entities.PermGlobal) && isStackDerived(c) {
		return false
	}
	return true
}

func isStackDerived(c entities.Capability) bool {
	p := c.Permissions()
	return p.Contains(entities.PermStoreLocal) && !p.Contains(entities.PermGlobal)
}
