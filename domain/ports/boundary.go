package ports

import (
	"context"

	"github.com/capguest/capshim/domain/entities"
)

// Host is the guest -> host contract: the only services a guest may use.
type Host interface {
	// Allocate returns a valid capability of at least size bytes or ends the
	// execution unit.
	Allocate(ctx context.Context, size uint32) entities.Capability

	// Deallocate releases a capability obtained from Allocate. Passing the
	// null capability is a no-op; double frees are the caller's obligation.
	Deallocate(ctx context.Context, c entities.Capability)

	// Panic reports an unrecoverable guest fault. It never returns.
	Panic(ctx context.Context, msg string)

	// Print appends text to the process output stream.
	Print(ctx context.Context, text []byte)

	// NextByte returns the next byte of the deterministic random stream.
	// The stream is not cryptographically secure.
	NextByte(ctx context.Context) byte

	// CheckPointer reports whether c grants perms over space bytes.
	CheckPointer(ctx context.Context, c entities.Capability, space uint32, perms entities.PermissionSet, checkStack bool) bool

	// Memory gives capability-checked access to guest memory.
	Memory() Memory
}

// Guest is the host -> guest contract: the entry points a guest exports.
// Every call may end in a *errors.TerminationError.
type Guest interface {
	Zero(ctx context.Context) (int32, error)
	Add(ctx context.Context, a, b int32) (int32, error)
	// Div divides a by b. Division by zero is a guest fault.
	Div(ctx context.Context, a, b uint64) (uint64, error)
	ArithTour(ctx context.Context) error

	MakeObject(ctx context.Context) (entities.Capability, error)
	ObjectSpeak(ctx context.Context, obj entities.Capability) error
	ObjectDestroy(ctx context.Context, obj entities.Capability) error

	ZooTour(ctx context.Context) error
	LibcallTour(ctx context.Context) error
}
