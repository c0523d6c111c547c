package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
)

// DefaultTick is the length of one scheduler tick.
const DefaultTick = 10 * time.Millisecond

// DefaultAllocTimeout is the bounded wait applied to every allocation:
// five ticks.
const DefaultAllocTimeout = 5 * DefaultTick

// Allocator adapts a quota heap to the guest: every allocation waits at most
// the configured timeout and every returned capability is validated before
// the guest sees it.
type Allocator struct {
	heap    ports.Heap
	timeout time.Duration
	logger  *slog.Logger
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithAllocTimeout sets the bounded wait. Non-positive values are ignored.
func WithAllocTimeout(d time.Duration) AllocatorOption {
	return func(a *Allocator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAllocatorLogger sets the logger.
func WithAllocatorLogger(logger *slog.Logger) AllocatorOption {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAllocator wraps heap.
func NewAllocator(heap ports.Heap, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		heap:    heap,
		timeout: DefaultAllocTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Timeout returns the bounded wait applied to allocations.
func (a *Allocator) Timeout() time.Duration {
	return a.timeout
}

// Allocate requests size bytes, waiting no longer than the bounded timeout
// (or ctx's own deadline, if earlier). On success the capability is valid and
// at least size bytes long. Failures are *errors.AllocationError; a heap
// result that fails validation is a *errors.ValidationError.
func (a *Allocator) Allocate(ctx context.Context, size uint32) (entities.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c, err := a.heap.Allocate(ctx, size)
	if err != nil {
		var allocErr *domainerrors.AllocationError
		if !errors.As(err, &allocErr) {
			err = &domainerrors.AllocationError{Size: size, Err: err}
		}
		return c, err
	}

	if !IsValid(c) || c.Len() < size {
		return c, &domainerrors.ValidationError{
			Operation: "allocate",
			Size:      size,
			Pointer:   c.Address(),
			Cap:       c,
		}
	}
	return c, nil
}

// MustAllocate is the guest-facing allocation: any failure terminates the
// execution unit with a diagnostic naming the requested size and the pointer
// the heap returned. The guest has no out-of-memory recovery path.
func (a *Allocator) MustAllocate(ctx context.Context, size uint32) entities.Capability {
	c, err := a.Allocate(ctx, size)
	if err != nil {
		a.logger.ErrorContext(ctx, "allocation is invalid",
			"unit", UnitFromContext(ctx),
			"size", size,
			"pointer", fmt.Sprintf("%#x", c.Address()),
			"error", err)
		Terminate(ctx, err)
	}
	return c
}

// Deallocate returns c to the heap. The null capability is a no-op.
// c must be a valid capability spanning exactly one live block, as Allocate
// returned it; anything else is logged and ignored. Freeing twice is the
// caller's obligation; the heap's complaint is only logged.
func (a *Allocator) Deallocate(ctx context.Context, c entities.Capability) {
	if c.IsNull() {
		return
	}
	if !IsValid(c) || c.Address() != c.Base() {
		a.logger.WarnContext(ctx, "deallocate of invalid reference",
			"unit", UnitFromContext(ctx),
			"pointer", fmt.Sprintf("%#x", c.Address()),
			"capability", c.String())
		return
	}
	if block, ok := a.heap.Lookup(c.Base()); ok && (block.Base() != c.Base() || block.Len() != c.Len()) {
		a.logger.WarnContext(ctx, "deallocate of a reference narrower than its block",
			"unit", UnitFromContext(ctx),
			"pointer", fmt.Sprintf("%#x", c.Address()),
			"block", block.String())
		return
	}
	if err := a.heap.Free(c); err != nil {
		a.logger.WarnContext(ctx, "deallocate of unknown reference",
			"unit", UnitFromContext(ctx),
			"pointer", fmt.Sprintf("%#x", c.Address()),
			"error", err)
	}
}

// Heap returns the underlying heap.
func (a *Allocator) Heap() ports.Heap {
	return a.heap
}
