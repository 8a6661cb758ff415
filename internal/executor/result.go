package executor

import (
	"fmt"
	"time"

	"github.com/doughall/shellrelay/internal/protocol"
)

// Result holds the output of a command execution.
type Result struct {
	// Command is the text passed to the shell.
	Command string

	// ExitCode is the process exit code. -1 indicates a spawn failure or signal death.
	ExitCode int

	// Stdout contains the standard output of the command.
	Stdout string

	// Stderr contains the standard error output of the command.
	// For spawn failures it holds the failure reason instead.
	Stderr string

	// SpawnErr is set when the subprocess could not be created.
	SpawnErr error

	// Duration is how long the command took to execute.
	Duration time.Duration

	// StartedAt is when execution began.
	StartedAt time.Time
}

// ExitError describes a command that ran but exited with a nonzero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Succeeded reports whether the command ran and exited cleanly.
func (r *Result) Succeeded() bool {
	return r.SpawnErr == nil && r.ExitCode == 0
}

// Err returns nil on success, the spawn error if the process never ran,
// or an *ExitError for a nonzero exit.
func (r *Result) Err() error {
	switch {
	case r.SpawnErr != nil:
		return r.SpawnErr
	case r.ExitCode != 0:
		return &ExitError{Code: r.ExitCode}
	default:
		return nil
	}
}

// Output converts the result into the message sent to the client.
// Clean exit: stdout byte-for-byte, stderr dropped.
// Anything else: "Error: " followed by stderr (or the spawn failure reason).
func (r *Result) Output() protocol.Message {
	if r.Succeeded() {
		return protocol.Output(r.Stdout)
	}
	return protocol.Failure(r.Stderr)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}
