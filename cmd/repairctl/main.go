package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// errPendingHuman is returned by commands whose result waits for an approver.
var errPendingHuman = errors.New("repair is pending human approval")

// Run is the entrypoint for testing. It returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	a.close(context.Background())

	switch {
	case err == nil:
		return repairerrors.ExitOK
	case errors.Is(err, errPendingHuman):
		return repairerrors.ExitPendingHuman
	case isUsageError(err):
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return repairerrors.ExitInvalidInput
	}

	code := repairerrors.ExitCodeOf(err)
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	if hint := repairerrors.HintOf(err); hint != "" && code != repairerrors.ExitInternal {
		_, _ = fmt.Fprintf(stderr, "Hint: %s\n", hint)
	}
	return code
}

// isUsageError recognises argument errors raised by cobra itself.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.HasPrefix(msg, "accepts ")
}
