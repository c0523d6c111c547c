// Package host provides the runtime environment for executing capshim guests.
//
// It abstracts the underlying WASM engine (wazero), manages guest lifecycle,
// and places each guest's capability-checked heap inside its linear memory.
// Every call into a guest runs as an execution unit: a termination raised by
// a host service comes back as *errors.TerminationError and the guest stays
// loaded for the next call.
//
// Guests see only the host module registered by infrastructure/wazero. WASI
// is not provided, so output, randomness and memory all pass through
// capability checks.
package host
