package hostfuncs

import (
	"context"
)

// contextKey is a private type for context keys.
type contextKey struct {
	name string
}

var (
	unitKey     = &contextKey{name: "unit"}
	functionKey = &contextKey{name: "function"}
)

// WithUnit tags ctx with the id of the execution unit running in it.
func WithUnit(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitKey, id)
}

// UnitFromContext returns the execution unit id, or "" outside a unit.
func UnitFromContext(ctx context.Context) string {
	id, _ := ctx.Value(unitKey).(string)
	return id
}

// WithFunction records the boundary function being invoked.
func WithFunction(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, functionKey, name)
}

// FunctionFromContext returns the boundary function name, or "unknown".
func FunctionFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(functionKey).(string); ok && name != "" {
		return name
	}
	return "unknown"
}
