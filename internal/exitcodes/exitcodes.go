// Package exitcodes defines standard exit codes for CLI operations.
// Codes are stable so schedulers and wrapper scripts can decide whether
// to retry a failed migration.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/fitsync-migrate/internal/auth"
	"github.com/johndauphine/fitsync-migrate/internal/checkpoint"
	"github.com/johndauphine/fitsync-migrate/internal/conflict"
	"github.com/johndauphine/fitsync-migrate/internal/engine"
	"github.com/johndauphine/fitsync-migrate/internal/manager"
	"github.com/johndauphine/fitsync-migrate/internal/remote"
	"github.com/johndauphine/fitsync-migrate/internal/validate"
)

const (
	// Success - migration completed without errors
	Success = 0

	// ConfigError - configuration/YAML/JSON parsing errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - remote backend unreachable or pool errors (recoverable)
	ConnectionError = 2

	// MigrationError - a migration step failed for another reason (non-recoverable)
	MigrationError = 3

	// ValidationError - local profile data failed validation (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - checkpoint missing, owned by someone else, or written by another schema (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// ConflictError - conflicts need a resolution before resume (recoverable)
	ConflictError = 8

	// AuthError - access token missing or invalid (non-recoverable)
	AuthError = 9
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Known error values are matched first; anything else is classified by message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	// Check if it's already an ExitError
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if code, ok := fromKnown(err); ok {
		return code
	}

	// Check for os.PathError first (file not found, permission denied, etc.)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	return fromMessage(strings.ToLower(err.Error()))
}

func fromKnown(err error) (int, bool) {
	var (
		unresolved *conflict.UnresolvedError
		invalid    *validate.Error
		ownership  *checkpoint.OwnershipError
	)
	switch {
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled, true
	case errors.As(err, &unresolved):
		return ConflictError, true
	case errors.As(err, &invalid):
		return ValidationError, true
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return AuthError, true
	case errors.As(err, &ownership),
		errors.Is(err, checkpoint.ErrNoCheckpoint),
		errors.Is(err, checkpoint.ErrSchemaMismatch),
		errors.Is(err, engine.ErrNotResumable),
		errors.Is(err, engine.ErrIncompleteMigration),
		errors.Is(err, manager.ErrAlreadyMigrated),
		errors.Is(err, manager.ErrAlreadyRunning):
		return StateError, true
	case errors.Is(err, remote.ErrUnavailable):
		return ConnectionError, true
	}
	return 0, false
}

func fromMessage(errStr string) int {
	// IO errors - check early for file-related errors (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Validation errors (exit code 4)
	if containsAny(errStr, []string{
		"validation failed",
		"out of range",
		"must be one of",
	}) {
		return ValidationError
	}

	// Config errors (exit code 1) - parsing issues, not validation of data
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"is required",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
	}) {
		return ConnectionError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"checkpoint",
		"resume",
		"already migrated",
		"backup",
	}) {
		return StateError
	}

	return MigrationError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, ConflictError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case MigrationError:
		return "migration error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case ConflictError:
		return "unresolved conflicts (recoverable)"
	case AuthError:
		return "authentication error"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
