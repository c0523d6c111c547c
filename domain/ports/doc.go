// Package ports defines the interfaces on either side of the guest/host
// boundary, and the heap and memory abstractions the host services depend on.
// Infrastructure adapters implement them.
package ports
