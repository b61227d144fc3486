package executor

import (
	"context"
	"strings"
)

// StderrPrefix marks stderr lines in captured output.
const StderrPrefix = "[ERR] "

// LineFunc receives each output line as it is produced.
type LineFunc func(line string)

// CommandResult is the captured outcome of an external command.
type CommandResult struct {
	ExitCode int
	Lines    []string // stdout lines, plus stderr lines carrying StderrPrefix
}

// Success reports a zero exit code.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output joins all captured lines.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Lines, "\n")
}

// Runner provides a unified interface for running executables on the update
// server, either locally or over SSH. Every shell-level operation funnels
// through Run.
//
// Run returns an error only when the command could not be started or ctx was
// cancelled; a non-zero exit is reported through CommandResult.ExitCode.
// Cancellation kills the whole process tree.
type Runner interface {
	Run(ctx context.Context, name string, args []string, progress LineFunc) (*CommandResult, error)

	// FileExists checks a path on the server.
	FileExists(ctx context.Context, path string) (bool, error)

	// DiskFree returns available bytes on the volume holding path.
	DiskFree(ctx context.Context, path string) (uint64, error)

	Close() error
}
