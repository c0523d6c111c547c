// Package errors provides the failure taxonomy of the host boundary.
// All error types support unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/capguest/capshim/domain/entities"
)

// ErrUnknownBlock is reported by a heap asked to free a reference it never
// handed out, or one already freed. Guarding against it is the caller's
// obligation; the deallocator only logs it.
var ErrUnknownBlock = stdErrors.New("reference does not name a live heap block")

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// DetailedError is implemented by error types that can describe themselves
// as a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to a structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
}

// ValidationError reports a reference that failed the capability validator
// where a valid one was required. After an allocation it means the host heap
// is broken.
type ValidationError struct {
	Operation string
	Size      uint32
	Pointer   entities.Address
	Cap       entities.Capability
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: reference is invalid, got pointer: %#x -- %d (size %d, %s)",
		e.Operation, e.Pointer, e.Pointer, e.Size, e.Cap)
}

// ToErrorDetail implements DetailedError.
func (e *ValidationError) ToErrorDetail() *entities.ErrorDetail {
	return entities.NewErrorDetail("validation", e.Error()).
		WithCode(e.Operation).
		WithDetail("size", e.Size).
		WithDetail("pointer", e.Pointer)
}

// TimeoutError represents a deadline elapsing during an operation.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

// Timeout reports true.
func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "timeout", Code: e.Operation, IsTimeout: true}
}

// MemoryError represents a request the heap quota cannot satisfy.
type MemoryError struct {
	Requested uint32 // Requested allocation size
	Current   uint32 // Bytes currently allocated
	Limit     uint32 // Quota
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("memory allocation failed: requested %d bytes, current %d bytes, limit %d bytes",
		e.Requested, e.Current, e.Limit)
}

// ToErrorDetail implements DetailedError.
func (e *MemoryError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "allocation", Code: "quota_exhausted"}
}

// AllocationError reports that no memory could be obtained before the
// deadline. Err is a *MemoryError when the quota was exhausted and a
// *TimeoutError when the wait itself ran out.
type AllocationError struct {
	Err  error
	Size uint32
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation of %d bytes failed: %v", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the deadline elapsed.
func (e *AllocationError) Timeout() bool {
	var te *TimeoutError
	return stdErrors.As(e.Err, &te)
}

// ToErrorDetail implements DetailedError.
func (e *AllocationError) ToErrorDetail() *entities.ErrorDetail {
	detail := entities.NewErrorDetail("allocation", e.Error()).
		WithCode("allocate").
		WithDetail("size", e.Size)
	detail.IsTimeout = e.Timeout()
	if e.Err != nil {
		detail.Wrapped = ToErrorDetail(e.Err)
	}
	return detail
}

// GuestFaultError is raised when the guest reports an unrecoverable fault
// through the panic bridge.
type GuestFaultError struct {
	Message string
}

func (e *GuestFaultError) Error() string {
	if e.Message == "" {
		return "guest panic reached"
	}
	return "guest panic reached: " + e.Message
}

// ToErrorDetail implements DetailedError.
func (e *GuestFaultError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "fault", Code: "panic"}
}

// TerminationError is what an execution unit returns after a fatal
// condition ended it. Cause is one of the errors above.
type TerminationError struct {
	Cause error
	Unit  string
}

func (e *TerminationError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("execution unit %s terminated: %v", e.Unit, e.Cause)
	}
	return fmt.Sprintf("execution unit terminated: %v", e.Cause)
}

func (e *TerminationError) Unwrap() error {
	return e.Cause
}

// ToErrorDetail implements DetailedError.
func (e *TerminationError) ToErrorDetail() *entities.ErrorDetail {
	detail := ToErrorDetail(e.Cause)
	if detail == nil {
		detail = entities.NewErrorDetail("internal", "terminated")
	}
	detail.Unit = e.Unit
	return detail
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ConfigError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "config", Code: e.Field}
}
