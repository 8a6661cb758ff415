// Package executor runs one-shot shell commands for the relay.
// Each command gets a fresh shell process (<shell> -c <text>), so environment
// and working-directory changes never carry over to the next command.
//
// Commands run to completion. There is no timeout and no cancellation: a command
// that never exits holds its connection's queue forever.
//
// The command text is neither validated nor escaped.
package executor

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultShell is the interpreter used when none is configured.
const DefaultShell = "/bin/sh"

// ErrSpawnFailure wraps errors from the host failing to create the subprocess.
var ErrSpawnFailure = errors.New("spawn failure")

// Executor runs shell commands and captures their output.
type Executor struct {
	// Shell is the shell to use for command execution. Default: /bin/sh
	Shell string
}

// New creates a new Executor using DefaultShell.
func New() *Executor {
	return &Executor{
		Shell: DefaultShell,
	}
}

// Execute runs command through the shell and waits for it to exit.
// stdout and stderr are captured into separate buffers.
//
// A nonzero exit is not an error: it is reported through Result.ExitCode.
// The returned error is non-nil only when the process could not be run at all,
// and it wraps ErrSpawnFailure.
func (e *Executor) Execute(command string) (*Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.Command(shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &Result{
		Command:   command,
		StartedAt: time.Now(),
	}

	// Run returns only after the process is reaped and both pipes are drained.
	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 when killed by a signal
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}

	return result, nil
}

// ExecuteWithResult wraps Execute and folds a spawn failure into the Result,
// so callers always get exactly one Result back.
func (e *Executor) ExecuteWithResult(command string) *Result {
	result, err := e.Execute(command)
	if err != nil {
		return &Result{
			Command:   command,
			ExitCode:  -1,
			Stderr:    err.Error(),
			SpawnErr:  err,
			StartedAt: time.Now(),
		}
	}
	return result
}
