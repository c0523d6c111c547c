package entities

import "strings"

// Permission is a single architectural capability permission. The values are
// bit positions in a PermissionSet.
type Permission uint8

const (
	// PermGlobal marks a capability that may be stored anywhere.
	PermGlobal Permission = iota
	// PermLoadGlobal lets global capabilities be loaded through this one.
	PermLoadGlobal
	// PermStore allows stores. A store without it traps.
	PermStore
	// PermLoadMutable lets capabilities with store permission be loaded.
	PermLoadMutable
	// PermStoreLocal allows storing capabilities that lack PermGlobal.
	PermStoreLocal
	// PermLoad allows loads.
	PermLoad
	// PermLoadStoreCapability extends loads and stores to capabilities.
	PermLoadStoreCapability
	// PermAccessSystemRegisters grants privileged register access when
	// installed as the program counter capability.
	PermAccessSystemRegisters
	// PermExecute allows use as a jump target.
	PermExecute
	// PermUnseal allows unsealing other capabilities.
	PermUnseal
	// PermSeal allows sealing other capabilities.
	PermSeal
	// PermUser0 is software defined and has no architectural meaning.
	PermUser0
)

// Bit returns the mask bit of the permission.
func (p Permission) Bit() uint32 {
	return 1 << uint32(p)
}

// PermissionSet is a bit mask of permissions.
type PermissionSet uint32

// Permissions builds a set from the given permissions.
func Permissions(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// Contains reports whether p is in the set.
func (s PermissionSet) Contains(p Permission) bool {
	return uint32(s)&p.Bit() == p.Bit()
}

// ContainsAll reports whether every permission of other is in s.
func (s PermissionSet) ContainsAll(other PermissionSet) bool {
	return s&other == other
}

// With returns the set with p added.
func (s PermissionSet) With(p Permission) PermissionSet {
	return s | PermissionSet(p.Bit())
}

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return s & other
}

var permissionGlyphs = []struct {
	perm  Permission
	glyph string
}{
	{PermGlobal, "G"},
	{PermLoadGlobal, "<Lg>"},
	{PermStore, "W"},
	{PermLoadMutable, "m"},
	{PermStoreLocal, "<Sl>"},
	{PermLoad, "R"},
	{PermLoadStoreCapability, "c"},
	{PermAccessSystemRegisters, "s"},
	{PermExecute, "X"},
	{PermUnseal, "u"},
	{PermSeal, "S"},
}

// String renders the set the way capability debuggers do, e.g. "(GWR)".
func (s PermissionSet) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, g := range permissionGlyphs {
		if s.Contains(g.perm) {
			b.WriteString(g.glyph)
		}
	}
	b.WriteByte(')')
	return b.String()
}

// DataPermissions is the set granted to heap allocations: read and write
// data and capabilities, no execute.
var DataPermissions = Permissions(
	PermGlobal,
	PermLoadGlobal,
	PermStore,
	PermLoadMutable,
	PermLoad,
	PermLoadStoreCapability,
)
