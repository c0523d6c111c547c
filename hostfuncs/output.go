package hostfuncs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DefaultMaxPrintSize bounds a single print fragment read from guest memory (1MB).
const DefaultMaxPrintSize = 1 * 1024 * 1024

// OutputBridge appends guest text to the process output stream. Fragments are
// written verbatim, one write per call, in call order, and flushed before
// Print returns.
type OutputBridge struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewOutputBridge creates a bridge writing to w. A nil w means os.Stdout.
func NewOutputBridge(w io.Writer, logger *slog.Logger) *OutputBridge {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputBridge{w: w, logger: logger}
}

// Print writes text. Write failures are host-internal: they are logged and
// never reported to the guest.
func (b *OutputBridge) Print(ctx context.Context, text []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.w.Write(text); err != nil {
		b.logger.WarnContext(ctx, "output write failed", "unit", UnitFromContext(ctx), "error", err)
		return
	}

	switch f := b.w.(type) {
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			b.logger.WarnContext(ctx, "output flush failed", "error", err)
		}
	case interface{ Sync() error }:
		// Sync on a terminal or pipe reports EINVAL; nothing is lost.
		_ = f.Sync()
	}
}
