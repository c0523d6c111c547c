package wazero

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/capguest/capshim/domain/entities"
	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// AdapterConfig holds configuration for the wazero adapter.
type AdapterConfig struct {
	// ModuleName is the host module name (default: "cheriot").
	ModuleName string

	// MaxPrintSize limits a single print fragment read from guest memory.
	// Default is 1MB.
	MaxPrintSize uint32

	// Logger receives adapter diagnostics. Default is slog.Default().
	Logger *slog.Logger

	// CustomHandlers allows exporting additional functions from the host
	// module next to the standard ones.
	CustomHandlers []CustomHandler
}

// CustomHandler represents an additional host function.
type CustomHandler struct {
	// Name is the exported function name.
	Name string

	// Handler is the wazero GoModuleFunc implementation.
	Handler api.GoModuleFunc

	// ParamTypes are the WASM parameter types.
	ParamTypes []api.ValueType

	// ResultTypes are the WASM result types.
	ResultTypes []api.ValueType
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name (default: "cheriot").
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		c.ModuleName = name
	}
}

// WithMaxPrintSize sets the largest fragment a guest may print at once.
func WithMaxPrintSize(size uint32) AdapterOption {
	return func(c *AdapterConfig) {
		c.MaxPrintSize = size
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(c *AdapterConfig) {
		c.Logger = logger
	}
}

// WithCustomHandler adds a custom wazero handler.
func WithCustomHandler(h CustomHandler) AdapterOption {
	return func(c *AdapterConfig) {
		c.CustomHandlers = append(c.CustomHandlers, h)
	}
}

// defaultAdapterConfig returns the default adapter configuration.
func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ModuleName:   DefaultModuleName,
		MaxPrintSize: hostfuncs.DefaultMaxPrintSize,
		Logger:       slog.Default(),
	}
}

// adapter dispatches host function calls to the calling guest's session.
type adapter struct {
	sessions SessionResolver
	cfg      AdapterConfig
}

// RegisterWithRuntime instantiates the host module in runtime. Guests
// instantiated afterwards may import any function named by
// HostFunctionNames. Each call is routed to the session that sessions
// returns for the calling module's name.
//
// Example:
//
//	sessions := wazero.NewSessions()
//	err := wazero.RegisterWithRuntime(ctx, runtime, sessions,
//	    wazero.WithModuleName("cheriot"),
//	)
func RegisterWithRuntime(ctx context.Context, runtime wazero.Runtime, sessions SessionResolver, opts ...AdapterOption) error {
	if sessions == nil {
		return fmt.Errorf("session resolver cannot be nil")
	}
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &adapter{sessions: sessions, cfg: cfg}

	handlers := map[string]func(context.Context, api.Module, *hostfuncs.Session, []uint64){
		FuncAlloc:      a.alloc,
		FuncFree:       a.free,
		FuncPanic:      a.abort,
		FuncPrint:      a.printFragment,
		FuncPrintStr:   a.printStr,
		FuncRandomByte: a.randomByte,
		FuncCheck:      a.checkPointer,
	}

	builder := runtime.NewHostModuleBuilder(cfg.ModuleName)
	for _, name := range HostFunctionNames() {
		funcName := name // capture for closure
		handle := handlers[funcName]
		sig := hostSignatures[funcName]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				a.invoke(ctx, mod, stack, funcName, handle)
			}), sig.params, sig.results).
			WithName(funcName).
			Export(funcName)
	}

	for _, ch := range cfg.CustomHandlers {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(ch.Handler, ch.ParamTypes, ch.ResultTypes).
			Export(ch.Name)
	}

	_, err := builder.Instantiate(ctx)
	return err
}

// invoke runs one host function for the calling guest. A termination raised
// by the handler is re-raised as its *errors.TerminationError, which wazero
// wraps into the error returned by the guest call.
func (a *adapter) invoke(ctx context.Context, mod api.Module, stack []uint64, name string,
	handle func(context.Context, api.Module, *hostfuncs.Session, []uint64),
) {
	ctx = hostfuncs.WithFunction(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			term, ok := hostfuncs.AsTermination(r)
			if !ok {
				panic(r)
			}
			panic(term)
		}
	}()

	guest := GetGuestName(ctx, mod)
	sess, ok := a.sessions.Session(guest)
	if !ok {
		a.cfg.Logger.ErrorContext(ctx, "wazero: no session for guest", "guest", guest, "function", name)
		hostfuncs.Terminate(ctx, fmt.Errorf("no host session for guest %q", guest))
	}
	handle(ctx, mod, sess, stack)
}

func (a *adapter) alloc(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	c := sess.Allocate(ctx, api.DecodeU32(stack[0]))
	stack[0] = api.EncodeU32(c.Address())
}

func (a *adapter) free(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	addr := api.DecodeU32(stack[0])
	if addr == 0 {
		return
	}
	c := sess.Resolve(addr)
	if !hostfuncs.IsValid(c) || c.Address() != c.Base() {
		a.cfg.Logger.WarnContext(ctx, "wazero: free of a reference that is not a block",
			"unit", hostfuncs.UnitFromContext(ctx),
			"pointer", fmt.Sprintf("%#x", addr))
		return
	}
	sess.Deallocate(ctx, c)
}

func (a *adapter) abort(ctx context.Context, _ api.Module, sess *hostfuncs.Session, _ []uint64) {
	sess.Panic(ctx, "")
}

func (a *adapter) printFragment(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	ptr, length := unpackPtrLen(stack[0])
	if length > a.cfg.MaxPrintSize {
		a.cfg.Logger.ErrorContext(ctx, "wazero: print fragment too large",
			"unit", hostfuncs.UnitFromContext(ctx),
			"size", length,
			"limit", a.cfg.MaxPrintSize)
		hostfuncs.Terminate(ctx, fmt.Errorf("print of %d bytes exceeds maximum %d bytes", length, a.cfg.MaxPrintSize))
	}
	sess.PrintFrom(ctx, ptr, length)
}

// printStr prints the NUL-terminated string at the guest reference. The
// terminator must lie within both the reference's bounds and MaxPrintSize.
func (a *adapter) printStr(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	addr := api.DecodeU32(stack[0])
	c := sess.Accept(ctx, addr, 1, entities.Permissions(entities.PermLoad))

	// Room for MaxPrintSize bytes and the terminator, counted in 64 bits so
	// the largest limit does not wrap.
	window := uint32(min(uint64(c.Remaining()), uint64(a.cfg.MaxPrintSize)+1)) //nolint:gosec // G115: bounded by Remaining
	data, err := sess.Memory().Load(c, window)
	if err != nil {
		hostfuncs.Terminate(ctx, err)
	}
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		hostfuncs.Terminate(ctx, &domainerrors.ValidationError{
			Operation: FuncPrintStr,
			Size:      window,
			Pointer:   addr,
			Cap:       c,
		})
	}
	sess.Print(ctx, data[:end])
}

func (a *adapter) randomByte(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	stack[0] = api.EncodeU32(uint32(sess.NextByte(ctx)))
}

// packPtrLen packs a pointer and length into a single i64.
// Upper 32 bits: pointer, lower 32 bits: length.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// unpackPtrLen unpacks a pointer and length from a packed i64.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)           //nolint:gosec // G115: Packed format stores 32-bit values
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: Packed format stores 32-bit values
	return ptr, length
}
