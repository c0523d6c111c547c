package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// contextKey is a private type for context keys.
type contextKey struct {
	name string
}

var guestNameKey = &contextKey{name: "guest_name"}

// WithGuestName overrides the name used to find the calling guest's session.
func WithGuestName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, guestNameKey, name)
}

// GuestNameFromContext retrieves a guest name set by WithGuestName.
func GuestNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(guestNameKey).(string)
	return name, ok
}

// GetGuestName extracts the guest name from context, falling back to the
// module name.
func GetGuestName(ctx context.Context, mod api.Module) string {
	if name, ok := GuestNameFromContext(ctx); ok {
		return name
	}
	return mod.Name()
}
