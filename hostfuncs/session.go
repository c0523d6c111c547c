package hostfuncs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
)

// GlobalsPermissions is granted to references into guest globals: data and
// capability load/store, no execute.
var GlobalsPermissions = entities.DataPermissions

// Session is the host as one guest execution context sees it. It owns the
// allocator over the guest's heap and the resolver that turns raw guest
// addresses back into capabilities; output and randomness may be shared
// between sessions.
type Session struct {
	allocator *Allocator
	output    *OutputBridge
	panics    *PanicBridge
	random    *RandomSource
	memory    *CheckedMemory
	globals   entities.Capability
	logger    *slog.Logger
}

var _ ports.Host = (*Session)(nil)

// sessionBuilder accumulates configuration during session construction.
type sessionBuilder struct {
	heap      ports.Heap
	allocOpts []AllocatorOption
	output    *OutputBridge
	random    *RandomSource
	raw       Bytes
	globals   entities.Capability
	logger    *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionBuilder)

// WithOutput shares an output bridge with the session.
func WithOutput(out *OutputBridge) SessionOption {
	return func(b *sessionBuilder) {
		b.output = out
	}
}

// WithRandom shares a random source with the session.
func WithRandom(r *RandomSource) SessionOption {
	return func(b *sessionBuilder) {
		b.random = r
	}
}

// WithMemory sets the raw guest memory the session checks accesses against.
func WithMemory(raw Bytes) SessionOption {
	return func(b *sessionBuilder) {
		b.raw = raw
	}
}

// WithGlobals sets the capability covering guest globals. References below
// the heap that are not heap blocks are derived from it.
func WithGlobals(c entities.Capability) SessionOption {
	return func(b *sessionBuilder) {
		b.globals = c
	}
}

// WithAllocatorOptions passes options through to the session's Allocator.
func WithAllocatorOptions(opts ...AllocatorOption) SessionOption {
	return func(b *sessionBuilder) {
		b.allocOpts = append(b.allocOpts, opts...)
	}
}

// WithLogger sets the logger used by every service of the session.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(b *sessionBuilder) {
		b.logger = logger
	}
}

// NewSession creates a session allocating from heap.
func NewSession(heap ports.Heap, opts ...SessionOption) (*Session, error) {
	if heap == nil {
		return nil, fmt.Errorf("session requires a heap")
	}
	b := &sessionBuilder{heap: heap}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.output == nil {
		b.output = NewOutputBridge(nil, b.logger)
	}
	if b.random == nil {
		b.random = NewRandomSource(DefaultSeed)
	}
	if b.raw == nil {
		b.raw = SliceBytes(nil)
	}

	allocOpts := append([]AllocatorOption{WithAllocatorLogger(b.logger)}, b.allocOpts...)
	return &Session{
		allocator: NewAllocator(b.heap, allocOpts...),
		output:    b.output,
		panics:    &PanicBridge{Logger: b.logger},
		random:    b.random,
		memory:    NewCheckedMemory(b.raw, b.heap),
		globals:   b.globals,
		logger:    b.logger,
	}, nil
}

// Allocate returns a valid capability of at least size bytes or terminates
// the execution unit.
func (s *Session) Allocate(ctx context.Context, size uint32) entities.Capability {
	return s.allocator.MustAllocate(ctx, size)
}

// Deallocate releases c. Null is a no-op.
func (s *Session) Deallocate(ctx context.Context, c entities.Capability) {
	s.allocator.Deallocate(ctx, c)
}

// Panic terminates the execution unit. It never returns.
func (s *Session) Panic(ctx context.Context, msg string) {
	s.panics.Panic(ctx, msg)
}

// Print appends text to the output stream.
func (s *Session) Print(ctx context.Context, text []byte) {
	s.output.Print(ctx, text)
}

// NextByte returns the next deterministic random byte. Not for security use.
func (s *Session) NextByte(_ context.Context) byte {
	return s.random.NextByte()
}

// CheckPointer reports whether c grants perms over space bytes.
func (s *Session) CheckPointer(_ context.Context, c entities.Capability, space uint32, perms entities.PermissionSet, checkStack bool) bool {
	return CheckPointer(c, space, perms, checkStack)
}

// Memory gives capability-checked access to guest memory.
func (s *Session) Memory() ports.Memory {
	return s.memory
}

// Globals returns the capability covering guest globals.
func (s *Session) Globals() entities.Capability {
	return s.globals
}

// Allocator returns the session's allocator adapter.
func (s *Session) Allocator() *Allocator {
	return s.allocator
}

// Resolve turns a raw guest address into the capability the host holds for
// it: the heap block containing it, else the globals capability when the
// address falls inside it. Anything else, including null and freed blocks,
// comes back untagged.
func (s *Session) Resolve(addr entities.Address) entities.Capability {
	if addr == 0 {
		return entities.Capability{}
	}
	if c, ok := s.allocator.Heap().Lookup(addr); ok {
		return c
	}
	if s.globals.Tagged() && addr >= s.globals.Base() && uint64(addr) < s.globals.Top() {
		return s.globals.WithAddress(addr)
	}
	return entities.Capability{}.WithAddress(addr)
}

// Accept validates a reference crossing from the guest before the host uses
// it. An invalid reference terminates the execution unit.
func (s *Session) Accept(ctx context.Context, addr entities.Address, space uint32, perms entities.PermissionSet) entities.Capability {
	c := s.Resolve(addr)
	if !CheckPointer(c, space, perms, false) {
		err := &domainerrors.ValidationError{
			Operation: FunctionFromContext(ctx),
			Size:      space,
			Pointer:   addr,
			Cap:       c,
		}
		s.logger.ErrorContext(ctx, "guest reference rejected",
			"unit", UnitFromContext(ctx),
			"pointer", fmt.Sprintf("%#x", addr),
			"space", space,
			"perms", perms.String())
		Terminate(ctx, err)
	}
	return c
}

// PrintFrom reads n bytes through the guest reference addr and prints them.
func (s *Session) PrintFrom(ctx context.Context, addr entities.Address, n uint32) {
	if n == 0 {
		return
	}
	c := s.Accept(ctx, addr, n, entities.Permissions(entities.PermLoad))
	text, err := s.memory.Load(c, n)
	if err != nil {
		Terminate(ctx, err)
	}
	s.Print(ctx, text)
}
