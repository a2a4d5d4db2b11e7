package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/config"
	"github.com/Iron-Ham/concord/internal/errors"
)

// Exit codes. Scripts and hosts branch on these, so they are stable.
const (
	ExitSuccess        = 0  // Successful execution
	ExitFailure        = 1  // General or integrity failure
	ExitUsage          = 2  // Bad flags, arguments or configuration
	ExitLockHeld       = 10 // Another instance holds the lock
	ExitStaleReclaimed = 11 // A stale lock was reclaimed; verify the file before editing
	ExitConflict       = 12 // The file changed since it was locked
	ExitInstanceAbsent = 13 // The instance is stale or unregistered; register again
)

// ExitError carries an exit code. An ExitError with no Err is silent: the
// command has already printed its result.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitWith returns a silent ExitError for an outcome already printed.
func exitWith(code int) error {
	return &ExitError{Code: code}
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, errors.ErrNoInstance) || errors.Is(err, errors.ErrInstanceNotFound) {
		return ExitInstanceAbsent
	}

	var lockErr *errors.LockError
	if errors.As(err, &lockErr) && lockErr.Owner != "" {
		return ExitLockHeld
	}

	var cfgErrs config.ValidationErrors
	if errors.Is(err, errors.ErrInvalidInput) || errors.As(err, &cfgErrs) {
		return ExitUsage
	}

	return ExitFailure
}

// usageArgs wraps a positional argument validator so its failures exit
// with ExitUsage.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
