package hostfuncs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Runner executes guest entry points as execution units. Each run gets a
// fresh unit id and passes through the middleware chain. A Runner is
// immutable once built and safe for concurrent use.
type Runner struct {
	newID func() string
	chain []Middleware
}

// runnerBuilder accumulates configuration during runner construction.
type runnerBuilder struct {
	middleware []Middleware
	newID      func() string
	errors     []error
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerBuilder)

// WithMiddleware adds middleware to the runner.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RunnerOption {
	return func(b *runnerBuilder) {
		for _, m := range mw {
			if m == nil {
				b.errors = append(b.errors, fmt.Errorf("middleware cannot be nil"))
				continue
			}
			b.middleware = append(b.middleware, m)
		}
	}
}

// WithUnitIDs replaces the unit id generator (uuid v4 by default).
func WithUnitIDs(gen func() string) RunnerOption {
	return func(b *runnerBuilder) {
		b.newID = gen
	}
}

// NewRunner creates a Runner. RecoverTermination is always the innermost
// middleware, so every other middleware observes terminations as errors.
func NewRunner(opts ...RunnerOption) (*Runner, error) {
	b := &runnerBuilder{newID: uuid.NewString}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if b.newID == nil {
		return nil, fmt.Errorf("unit id generator cannot be nil")
	}

	return &Runner{
		chain: append(append([]Middleware(nil), b.middleware...), RecoverTermination()),
		newID: b.newID,
	}, nil
}

// Run executes fn as one execution unit named function.
func (r *Runner) Run(ctx context.Context, function string, fn EntryPoint) error {
	ctx = WithFunction(WithUnit(ctx, r.newID()), function)

	wrapped := fn
	// Apply middleware in reverse order so first middleware wraps outermost
	for i := len(r.chain) - 1; i >= 0; i-- {
		wrapped = r.chain[i](wrapped)
	}
	return wrapped(ctx)
}
