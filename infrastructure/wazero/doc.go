// Package wazero registers the host services with the wazero runtime so
// WebAssembly guests can import them.
//
// This package bridges the pure Go services in hostfuncs with the wazero
// WebAssembly runtime. It handles:
//
//   - Resolving the calling guest module to its hostfuncs.Session
//   - Converting raw guest addresses into capabilities before use
//   - Reading print fragments from guest memory (packed i64 ptr+len, or a
//     NUL-terminated string)
//   - Unwinding the guest call when a host function terminates the unit
//
// # Basic Usage
//
//	runtime := wazero.NewRuntime(ctx)
//	err := wazero.RegisterWithRuntime(ctx, runtime, resolver,
//	    wazero.WithModuleName("cheriot"),
//	)
//
// A termination raised inside a host function unwinds the guest call. The
// error returned by the exported function's Call wraps the
// *errors.TerminationError, so callers recover it with errors.As. The module
// itself stays usable for the next call.
package wazero
