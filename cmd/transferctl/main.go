// Command transferctl operates a transfer engine database: it seeds it from
// fixtures, inspects distances, rebuilds equivalence classes and runs the
// periodic re-clusterer.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/model"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
)

// Exit codes.
const (
	exitOK        = 0
	exitNotFound  = 1
	exitMalformed = 2
)

// #region main

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

// #endregion main

// #region errors

// usageError marks malformed command lines.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// exitCode maps an error to 0 (ok), 1 (not found or runtime failure) or
// 2 (malformed input).
func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue),
		errors.Is(err, model.ErrInvalidThreshold),
		errors.Is(err, model.ErrSchemaMismatch),
		errors.Is(err, model.ErrEmptyTrajectory),
		errors.Is(err, model.ErrConflict),
		strings.HasPrefix(err.Error(), "unknown command"):
		return exitMalformed
	case errors.Is(err, model.ErrUnknownGoal),
		errors.Is(err, model.ErrUnknownState),
		errors.Is(err, store.ErrNotFound):
		return exitNotFound
	}
	return exitNotFound
}

// #endregion errors
