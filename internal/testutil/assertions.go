// Package testutil provides common test utilities and assertions for capshim
// tests.
package testutil

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	domainerrors "github.com/capguest/capshim/domain/errors"
	"github.com/stretchr/testify/require"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RequireTermination asserts that err carries a *errors.TerminationError and
// returns it.
func RequireTermination(t *testing.T, err error, msgAndArgs ...interface{}) *domainerrors.TerminationError {
	t.Helper()
	require.Error(t, err, msgAndArgs...)

	var term *domainerrors.TerminationError
	require.True(t, errors.As(err, &term), "expected a termination, got %v", err)
	return term
}

// RequireGuestFault asserts that err is a termination caused by the guest
// panic bridge and returns the guest's message.
func RequireGuestFault(t *testing.T, err error) string {
	t.Helper()
	term := RequireTermination(t, err)

	var fault *domainerrors.GuestFaultError
	require.True(t, errors.As(term, &fault), "expected a guest fault, got %v", term.Cause)
	return fault.Message
}
