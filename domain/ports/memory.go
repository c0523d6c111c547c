package ports

import "github.com/capguest/capshim/domain/entities"

// Memory is guest memory accessed through capabilities. Every access is
// checked against the capability's tag, bounds and permissions.
type Memory interface {
	// Load copies n bytes starting at the capability's address.
	Load(c entities.Capability, n uint32) ([]byte, error)

	// Store writes data starting at the capability's address.
	Store(c entities.Capability, data []byte) error
}
