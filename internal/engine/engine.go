// Package engine is the server side of the relay: it turns each inbound command
// message into exactly one output message.
//
// Commands from one connection run strictly one at a time, in arrival order, on
// a worker goroutine owned by that connection's Session. The connection's read
// loop only enqueues, so a long command never blocks frame reads. Sessions share
// nothing but the Engine's counters, so a failure in one connection cannot
// affect another.
//
// When a connection closes, the command in flight is left to finish (there is no
// cancellation) and its result is discarded. Commands still queued are dropped
// without being run.
package engine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/doughall/shellrelay/internal/executor"
	"github.com/doughall/shellrelay/internal/protocol"
)

// Runner executes one command and always returns a Result.
// *executor.Executor satisfies it.
type Runner interface {
	ExecuteWithResult(command string) *executor.Result
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Discarded uint64 `json:"discarded"`
	Active    int64  `json:"active_sessions"`
}

// Engine executes commands and tracks aggregate counters.
type Engine struct {
	runner Runner
	logger *slog.Logger

	executed  atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	active    atomic.Int64
}

// New creates an Engine that executes commands with runner.
func New(runner Runner, logger *slog.Logger) *Engine {
	return &Engine{
		runner: runner,
		logger: logger.With(slog.String("component", "engine")),
	}
}

// OnCommand runs text and returns its single output message.
// A panic inside the runner is recovered and reported as an error result, so the
// caller always gets exactly one message.
func (e *Engine) OnCommand(text string) (msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command execution panicked",
				slog.Any("panic", r),
			)
			e.failed.Add(1)
			msg = protocol.Failure(fmt.Sprintf("internal error: %v", r))
		}
	}()

	result := e.runner.ExecuteWithResult(text)
	e.executed.Add(1)

	if err := result.Err(); err != nil {
		e.failed.Add(1)
		e.logger.Debug("command failed",
			slog.Int("exit_code", result.ExitCode),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", result.DurationMs()),
		)
	} else {
		e.logger.Debug("command completed",
			slog.Int64("duration_ms", result.DurationMs()),
			slog.Int("stdout_bytes", len(result.Stdout)),
		)
	}

	return result.Output()
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Executed:  e.executed.Load(),
		Failed:    e.failed.Load(),
		Discarded: e.discarded.Load(),
		Active:    e.active.Load(),
	}
}
