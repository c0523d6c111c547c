package hostfuncs

import (
	"context"
	"log/slog"

	domainerrors "github.com/capguest/capshim/domain/errors"
)

// termination is the panic value carried from a fatal condition to the
// execution unit boundary.
type termination struct {
	err *domainerrors.TerminationError
}

// Terminate ends the current execution unit with cause. It never returns.
func Terminate(ctx context.Context, cause error) {
	panic(termination{err: &domainerrors.TerminationError{
		Cause: cause,
		Unit:  UnitFromContext(ctx),
	}})
}

// AsTermination reports whether a recovered panic value is a termination and
// returns its error.
func AsTermination(recovered any) (*domainerrors.TerminationError, bool) {
	t, ok := recovered.(termination)
	if !ok {
		return nil, false
	}
	return t.err, true
}

// PanicBridge is the one-way channel a guest uses to report an unrecoverable
// fault. The zero value is ready to use and logs through slog.Default.
type PanicBridge struct {
	Logger *slog.Logger
}

// Panic logs "panic reached" and terminates the execution unit.
// It never returns.
func (b *PanicBridge) Panic(ctx context.Context, msg string) {
	logger := slog.Default()
	if b != nil && b.Logger != nil {
		logger = b.Logger
	}
	logger.ErrorContext(ctx, "panic reached",
		"unit", UnitFromContext(ctx),
		"function", FunctionFromContext(ctx),
		"message", msg)
	Terminate(ctx, &domainerrors.GuestFaultError{Message: msg})
}
