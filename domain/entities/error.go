package entities

import "fmt"

// ErrorDetail is the structured diagnostic emitted when an execution unit
// terminates. Types: "validation", "allocation", "timeout", "fault",
// "config", "internal".
type ErrorDetail struct {
	// Wrapped holds the diagnostic of the cause, if any.
	Wrapped *ErrorDetail `json:"wrapped,omitempty"`

	// Details carries values useful for debugging (requested size, pointer).
	Details map[string]any `json:"details,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Type categorizes the failure.
	Type string `json:"type"`

	// Code is a machine-readable code.
	Code string `json:"code,omitempty"`

	// Unit is the id of the execution unit the failure ended.
	Unit string `json:"unit,omitempty"`

	// IsTimeout is set when a deadline elapsed.
	IsTimeout bool `json:"is_timeout,omitempty"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped.Error())
	}
	return msg
}

// NewErrorDetail creates an ErrorDetail with the given type and message.
func NewErrorDetail(errorType, message string) *ErrorDetail {
	return &ErrorDetail{
		Type:    errorType,
		Message: message,
	}
}

// WithDetail sets a single debugging value and returns e.
func (e *ErrorDetail) WithDetail(key string, value any) *ErrorDetail {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCode sets the code and returns e.
func (e *ErrorDetail) WithCode(code string) *ErrorDetail {
	e.Code = code
	return e
}
