package host

import (
	"io"
	"log/slog"
	"time"

	"github.com/capguest/capshim/hostfuncs"
)

// Defaults for the guest heap.
const (
	// DefaultHeapQuota is the size of each guest's heap arena.
	DefaultHeapQuota = 64 * 1024

	// DefaultLocalHeapBase is where in-process sessions place their arena.
	DefaultLocalHeapBase = 0x1000
)

// settings holds configuration for the Executor.
type settings struct {
	moduleName   string
	heapBase     uint32
	heapQuota    uint32
	allocTimeout time.Duration
	seed         uint16
	maxPrintSize uint32
	output       io.Writer
	logger       *slog.Logger
	middleware   []hostfuncs.Middleware
}

func defaultSettings() settings {
	return settings{
		moduleName:   "cheriot",
		heapQuota:    DefaultHeapQuota,
		allocTimeout: hostfuncs.DefaultAllocTimeout,
		seed:         hostfuncs.DefaultSeed,
		maxPrintSize: hostfuncs.DefaultMaxPrintSize,
	}
}

// Option defines a functional option for configuring the Executor.
type Option func(*settings)

// WithModuleName sets the host module name guests import from.
func WithModuleName(name string) Option {
	return func(s *settings) {
		s.moduleName = name
	}
}

// WithHeapBase fixes the guest address of the heap arena. Zero, the default,
// uses the guest's exported __heap_base.
func WithHeapBase(base uint32) Option {
	return func(s *settings) {
		s.heapBase = base
	}
}

// WithHeapQuota sets the size of each guest's heap arena.
func WithHeapQuota(quota uint32) Option {
	return func(s *settings) {
		s.heapQuota = quota
	}
}

// WithAllocTimeout sets the bounded wait applied to guest allocations.
func WithAllocTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.allocTimeout = d
	}
}

// WithRandomSeed seeds the random byte source shared by all guests.
func WithRandomSeed(seed uint16) Option {
	return func(s *settings) {
		s.seed = seed
	}
}

// WithMaxPrintSize limits a single print fragment.
func WithMaxPrintSize(size uint32) Option {
	return func(s *settings) {
		s.maxPrintSize = size
	}
}

// WithOutput sets the stream guest output is written to (default: os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		s.output = w
	}
}

// WithLogger sets the logger shared by the executor and its host services.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMiddleware adds execution unit middleware, outermost first.
func WithMiddleware(mw ...hostfuncs.Middleware) Option {
	return func(s *settings) {
		s.middleware = append(s.middleware, mw...)
	}
}
