package host

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/domain/ports"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// Guest entry points looked up in a WASM guest's exports.
const (
	ExportZero          = "zero"
	ExportAdd           = "add"
	ExportDiv           = "div"
	ExportArithTour     = "arith_tour"
	ExportAnimalMake    = "animal_make"
	ExportAnimalSpeak   = "animal_speak"
	ExportAnimalDestroy = "animal_destroy"
	ExportZooTour       = "zoo_tour"
	ExportLibcallTour   = "libcall_tour"
)

// GuestInstance represents an instantiated WASM guest.
type GuestInstance struct {
	name     string
	module   api.Module
	session  *hostfuncs.Session
	executor *Executor
}

var _ ports.Guest = (*GuestInstance)(nil)

// Name returns the guest's module name.
func (g *GuestInstance) Name() string {
	return g.name
}

// Session returns the host session serving this guest.
func (g *GuestInstance) Session() *hostfuncs.Session {
	return g.session
}

// Close unloads the guest.
func (g *GuestInstance) Close(ctx context.Context) error {
	g.executor.sessions.Unbind(g.name)
	return g.module.Close(ctx)
}

// Call invokes an exported function as one execution unit. A host-side
// termination or a trap comes back as *errors.TerminationError.
func (g *GuestInstance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := g.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export %q not found", name)
	}

	var results []uint64
	err := g.executor.runner.Run(ctx, name, func(ctx context.Context) error {
		var err error
		results, err = fn.Call(ctx, params...)
		if err == nil {
			return nil
		}
		var term *domainerrors.TerminationError
		if errors.As(err, &term) {
			return term
		}
		return &domainerrors.TerminationError{
			Cause: &domainerrors.GuestFaultError{Message: firstLine(err.Error())},
			Unit:  hostfuncs.UnitFromContext(ctx),
		}
	})
	return results, err
}

// Zero calls the guest's zero export.
func (g *GuestInstance) Zero(ctx context.Context) (int32, error) {
	res, err := g.call1(ctx, ExportZero)
	return api.DecodeI32(res), err
}

// Add calls the guest's add export.
func (g *GuestInstance) Add(ctx context.Context, a, b int32) (int32, error) {
	res, err := g.call1(ctx, ExportAdd, api.EncodeI32(a), api.EncodeI32(b))
	return api.DecodeI32(res), err
}

// Div calls the guest's div export.
func (g *GuestInstance) Div(ctx context.Context, a, b uint64) (uint64, error) {
	return g.call1(ctx, ExportDiv, a, b)
}

// ArithTour calls the guest's arith_tour export.
func (g *GuestInstance) ArithTour(ctx context.Context) error {
	_, err := g.Call(ctx, ExportArithTour)
	return err
}

// MakeObject calls animal_make and returns the capability the host holds for
// the returned reference.
func (g *GuestInstance) MakeObject(ctx context.Context) (entities.Capability, error) {
	res, err := g.call1(ctx, ExportAnimalMake)
	if err != nil {
		return entities.Capability{}, err
	}
	return g.session.Resolve(api.DecodeU32(res)), nil
}

// ObjectSpeak calls animal_speak with obj's address.
func (g *GuestInstance) ObjectSpeak(ctx context.Context, obj entities.Capability) error {
	_, err := g.Call(ctx, ExportAnimalSpeak, api.EncodeU32(obj.Address()))
	return err
}

// ObjectDestroy calls animal_destroy with obj's address.
func (g *GuestInstance) ObjectDestroy(ctx context.Context, obj entities.Capability) error {
	_, err := g.Call(ctx, ExportAnimalDestroy, api.EncodeU32(obj.Address()))
	return err
}

// ZooTour calls the guest's zoo_tour export.
func (g *GuestInstance) ZooTour(ctx context.Context) error {
	_, err := g.Call(ctx, ExportZooTour)
	return err
}

// LibcallTour calls the guest's libcall_tour export.
func (g *GuestInstance) LibcallTour(ctx context.Context) error {
	_, err := g.Call(ctx, ExportLibcallTour)
	return err
}

// call1 calls a function with exactly one result.
func (g *GuestInstance) call1(ctx context.Context, name string, params ...uint64) (uint64, error) {
	results, err := g.Call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("export %q returned %d results, want 1", name, len(results))
	}
	return results[0], nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
