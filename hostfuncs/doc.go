// Package hostfuncs provides pure Go implementations of the services a host
// offers a capability-confined guest: the capability validator, the bounded
// allocator and deallocator adapters, the panic bridge, the output bridge and
// the deterministic random byte source.
//
// These implementations have NO WASM runtime dependencies. The wazero
// adapter exposes them to WebAssembly guests; the reference guest calls them
// directly through a Session.
//
// Every fatal condition ends the current execution unit by panicking with a
// termination value that RecoverTermination turns back into a
// *errors.TerminationError at the unit boundary. Nothing is ever returned to
// the guest as an error value.
package hostfuncs
