package host

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/capguest/capshim/domain/entities"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/capguest/capshim/infrastructure/quotaheap"
	wazeroadapter "github.com/capguest/capshim/infrastructure/wazero"
	"github.com/tetratelabs/wazero"
)

// heapBaseExport is the global a guest linker exports to mark the end of its
// static data.
const heapBaseExport = "__heap_base"

const wasmPageSize = 65536

// Executor manages the lifecycle of WASM guests. Output and the random byte
// stream are shared by every guest it loads; each guest gets its own heap.
type Executor struct {
	runtime  wazero.Runtime
	sessions *wazeroadapter.Sessions
	runner   *hostfuncs.Runner
	output   *hostfuncs.OutputBridge
	random   *hostfuncs.RandomSource
	cfg      settings
	logger   *slog.Logger
	loaded   atomic.Uint64
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(ctx context.Context, opts ...Option) (*Executor, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.heapQuota < quotaheap.Granule {
		return nil, fmt.Errorf("heap quota must be at least %d bytes", quotaheap.Granule)
	}

	middleware := append([]hostfuncs.Middleware{hostfuncs.LogInvocation(cfg.logger)}, cfg.middleware...)
	runner, err := hostfuncs.NewRunner(hostfuncs.WithMiddleware(middleware...))
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	e := &Executor{
		runtime:  wazero.NewRuntime(ctx),
		sessions: wazeroadapter.NewSessions(),
		runner:   runner,
		output:   hostfuncs.NewOutputBridge(cfg.output, cfg.logger),
		random:   hostfuncs.NewRandomSource(cfg.seed),
		cfg:      cfg,
		logger:   cfg.logger,
	}

	err = wazeroadapter.RegisterWithRuntime(ctx, e.runtime, e.sessions,
		wazeroadapter.WithModuleName(cfg.moduleName),
		wazeroadapter.WithMaxPrintSize(cfg.maxPrintSize),
		wazeroadapter.WithLogger(cfg.logger),
	)
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	return e, nil
}

// Close releases resources held by the executor, including every loaded
// guest.
func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Runner returns the execution unit runner shared by all guests.
func (e *Executor) Runner() *hostfuncs.Runner {
	return e.runner
}

// Random returns the random byte source shared by all guests.
func (e *Executor) Random() *hostfuncs.RandomSource {
	return e.random
}

// LoadGuest compiles and instantiates a WASM guest and gives it a heap.
// The guest may import only functions of the host module; its start function
// does not run, but an exported _initialize is called once the heap exists.
func (e *Executor) LoadGuest(ctx context.Context, wasmBytes []byte) (*GuestInstance, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}
	if unknown := wazeroadapter.UnknownImports(compiled.ImportedFunctions(), e.cfg.moduleName); len(unknown) > 0 {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("guest imports unknown host functions: %s", strings.Join(unknown, ", "))
	}

	name := fmt.Sprintf("guest-%d", e.loaded.Add(1))
	mod, err := e.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	g := &GuestInstance{name: name, module: mod, executor: e}
	if err := e.attach(ctx, g); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	if mod.ExportedFunction("_initialize") != nil {
		if _, err := g.Call(ctx, "_initialize"); err != nil {
			_ = g.Close(ctx)
			return nil, fmt.Errorf("failed to call _initialize: %w", err)
		}
	}

	e.logger.DebugContext(ctx, "guest loaded",
		"guest", name,
		"heap_base", fmt.Sprintf("%#x", g.session.Allocator().Heap().Stats().Base),
		"heap_quota", e.cfg.heapQuota)
	return g, nil
}

// attach places the heap arena in guest memory and binds the guest's session.
func (e *Executor) attach(ctx context.Context, g *GuestInstance) error {
	mem := g.module.Memory()
	if mem == nil {
		return fmt.Errorf("guest %s exports no memory", g.name)
	}

	base := e.cfg.heapBase
	if base == 0 {
		global := g.module.ExportedGlobal(heapBaseExport)
		if global == nil {
			return fmt.Errorf("guest %s exports no %s and no heap base is configured", g.name, heapBaseExport)
		}
		base = uint32(global.Get()) //nolint:gosec // G115: i32 global
	}

	heap, err := quotaheap.New(base, e.cfg.heapQuota)
	if err != nil {
		return fmt.Errorf("guest %s: %w", g.name, err)
	}

	top := uint64(heap.Stats().Base) + uint64(heap.Stats().Quota)
	if size := uint64(mem.Size()); top > size {
		pages := (top - size + wasmPageSize - 1) / wasmPageSize
		if pages > math.MaxUint32 {
			return fmt.Errorf("guest %s: heap top %#x is out of range", g.name, top)
		}
		if _, ok := mem.Grow(uint32(pages)); !ok {
			return fmt.Errorf("guest %s: cannot grow memory to %#x bytes", g.name, top)
		}
	}

	session, err := e.newSession(heap, mem)
	if err != nil {
		return err
	}
	g.session = session
	e.sessions.Bind(g.name, session)
	return nil
}

// NewLocalSession creates a session for an in-process guest, backed by a
// private Go byte slice laid out like a WASM guest: globals below the heap
// base, the arena above it.
func (e *Executor) NewLocalSession() (*hostfuncs.Session, error) {
	base := e.cfg.heapBase
	if base == 0 {
		base = DefaultLocalHeapBase
	}
	heap, err := quotaheap.New(base, e.cfg.heapQuota)
	if err != nil {
		return nil, err
	}
	stats := heap.Stats()
	return e.newSession(heap, make(hostfuncs.SliceBytes, uint64(stats.Base)+uint64(stats.Quota)))
}

func (e *Executor) newSession(heap *quotaheap.Heap, mem hostfuncs.Bytes) (*hostfuncs.Session, error) {
	return hostfuncs.NewSession(heap,
		hostfuncs.WithMemory(mem),
		hostfuncs.WithGlobals(entities.RootCapability(0, heap.Stats().Base, hostfuncs.GlobalsPermissions)),
		hostfuncs.WithOutput(e.output),
		hostfuncs.WithRandom(e.random),
		hostfuncs.WithLogger(e.logger),
		hostfuncs.WithAllocatorOptions(hostfuncs.WithAllocTimeout(e.cfg.allocTimeout)),
	)
}
