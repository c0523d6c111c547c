package hostfuncs

import (
	"context"
	"log/slog"
	"time"
)

// EntryPoint is one host -> guest call: the body of an execution unit.
type EntryPoint func(ctx context.Context) error

// Middleware wraps an EntryPoint to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next EntryPoint) EntryPoint

// RecoverTermination converts a termination raised anywhere below it into the
// *errors.TerminationError the unit returns. Any other panic keeps unwinding:
// only terminations are part of the boundary contract.
func RecoverTermination() Middleware {
	return func(next EntryPoint) EntryPoint {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					term, ok := AsTermination(r)
					if !ok {
						panic(r)
					}
					err = term
				}
			}()
			return next(ctx)
		}
	}
}

// LogInvocation logs the start and end of every execution unit.
func LogInvocation(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next EntryPoint) EntryPoint {
		return func(ctx context.Context) error {
			unit := UnitFromContext(ctx)
			fn := FunctionFromContext(ctx)
			logger.DebugContext(ctx, "entering guest", "unit", unit, "function", fn)

			start := time.Now()
			err := next(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "guest call terminated",
					"unit", unit, "function", fn, "duration", time.Since(start), "error", err)
			} else {
				logger.DebugContext(ctx, "guest call returned",
					"unit", unit, "function", fn, "duration", time.Since(start))
			}
			return err
		}
	}
}
