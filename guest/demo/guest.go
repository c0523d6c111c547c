// Package demo is the reference guest: the arithmetic, object and libcall
// entry points written in Go against ports.Host. It uses only the host
// services, so it behaves like a WASM guest loaded by the executor.
package demo

import (
	"context"
	"fmt"

	"github.com/capguest/capshim/domain/entities"
	"github.com/capguest/capshim/domain/ports"
	"github.com/capguest/capshim/hostfuncs"
)

// Guest implements ports.Guest in-process. Every entry point runs as one
// execution unit of the runner it was built with.
type Guest struct {
	host   ports.Host
	runner *hostfuncs.Runner
	static entities.Capability
}

var _ ports.Guest = (*Guest)(nil)

// Option configures a Guest.
type Option func(*Guest)

// WithRunner sets the runner entry points execute on.
func WithRunner(r *hostfuncs.Runner) Option {
	return func(g *Guest) {
		g.runner = r
	}
}

// WithStatic sets the capability of the guest's static word, the target of
// the libcall tour's checks.
func WithStatic(c entities.Capability) Option {
	return func(g *Guest) {
		g.static = c
	}
}

// New creates a guest using host.
func New(host ports.Host, opts ...Option) (*Guest, error) {
	if host == nil {
		return nil, fmt.Errorf("guest requires a host")
	}
	g := &Guest{host: host}
	for _, opt := range opts {
		opt(g)
	}
	if g.runner == nil {
		r, err := hostfuncs.NewRunner()
		if err != nil {
			return nil, err
		}
		g.runner = r
	}
	return g, nil
}

func (g *Guest) println(ctx context.Context, format string, args ...any) {
	g.host.Print(ctx, []byte(fmt.Sprintf(format, args...)+"\n"))
}

func zero() int32 { return 0 }

// Addition wraps modulo 2^32.
func add(a, b int32) int32 { return a + b }

func (g *Guest) div(ctx context.Context, a, b uint64) uint64 {
	if b == 0 {
		g.host.Panic(ctx, "attempt to divide by zero")
	}
	return a / b
}

// Zero returns 0.
func (g *Guest) Zero(ctx context.Context) (int32, error) {
	var out int32
	err := g.runner.Run(ctx, "zero", func(context.Context) error {
		out = zero()
		return nil
	})
	return out, err
}

// Add returns a+b, wrapping on overflow.
func (g *Guest) Add(ctx context.Context, a, b int32) (int32, error) {
	var out int32
	err := g.runner.Run(ctx, "add", func(context.Context) error {
		out = add(a, b)
		return nil
	})
	return out, err
}

// Div returns a/b. Division by zero reaches the panic bridge.
func (g *Guest) Div(ctx context.Context, a, b uint64) (uint64, error) {
	var out uint64
	err := g.runner.Run(ctx, "div", func(ctx context.Context) error {
		out = g.div(ctx, a, b)
		return nil
	})
	return out, err
}

// ArithTour prints a few results computed by the guest itself.
func (g *Guest) ArithTour(ctx context.Context) error {
	return g.runner.Run(ctx, "arith_tour", func(ctx context.Context) error {
		g.println(ctx, "zero: %d", zero())
		g.println(ctx, "add(5, 5): %d", add(5, 5))
		g.println(ctx, "div(8, 4): %d", g.div(ctx, 8, 4))
		return nil
	})
}

// LibcallTour checks a null pointer and the guest's static word through the
// host pointer check, printing each result.
func (g *Guest) LibcallTour(ctx context.Context) error {
	return g.runner.Run(ctx, "libcall_tour", func(ctx context.Context) error {
		perms := entities.Permissions(entities.PermLoad, entities.PermExecute)
		ok := g.checkPointer(ctx, entities.Capability{}, 0, perms, false)
		g.println(ctx, "Checking null ptr gives: %t", ok)

		perms = entities.Permissions(entities.PermLoad)
		ok = g.checkPointer(ctx, g.static, 0, perms, false)
		g.println(ctx, "Checking ptr to static with perms %s gives: %t", perms, ok)

		perms = perms.With(entities.PermExecute)
		ok = g.checkPointer(ctx, g.static, 0, perms, false)
		g.println(ctx, "Checking ptr to static with perms %s gives: %t", perms, ok)
		return nil
	})
}

// checkPointer asks the host to check c. The stack check is only requested
// when perms include Global.
func (g *Guest) checkPointer(ctx context.Context, c entities.Capability, space uint32, perms entities.PermissionSet, checkStack bool) bool {
	checkStack = checkStack && perms.Contains(entities.PermGlobal)
	return g.host.CheckPointer(ctx, c, space, perms, checkStack)
}
