package wazero

import (
	"context"

	"github.com/capguest/capshim/domain/entities"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/tetratelabs/wazero/api"
)

// checkPointer answers check_pointer(ptr, space, perms, check_stack) for the
// guest: 1 when the capability the host holds for ptr grants perms over space
// bytes, else 0. It never terminates; a bad reference is simply reported.
func (a *adapter) checkPointer(ctx context.Context, _ api.Module, sess *hostfuncs.Session, stack []uint64) {
	addr := api.DecodeU32(stack[0])
	space := api.DecodeU32(stack[1])
	perms := entities.PermissionSet(api.DecodeU32(stack[2]))
	checkStack := api.DecodeU32(stack[3]) != 0

	c := sess.Resolve(addr)
	ok := sess.CheckPointer(ctx, c, space, perms, checkStack)

	a.cfg.Logger.DebugContext(ctx, "check_pointer",
		"unit", hostfuncs.UnitFromContext(ctx),
		"capability", c.String(),
		"space", space,
		"perms", perms.String(),
		"result", ok)

	stack[0] = 0
	if ok {
		stack[0] = 1
	}
}
