// Package entities holds the value types shared across the host boundary:
// capabilities and their permissions, and the structured diagnostics emitted
// when an execution unit terminates.
package entities
