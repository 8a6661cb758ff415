// Package dispatcher forwards lines typed by the user to the relay server.
//
// Dispatch is fire-and-forget: the line is echoed into the presentation
// history, queued on the connection, and the call returns. Nothing is validated
// or escaped. A failed send is reported on the connection's error channel, never
// returned to the caller.
package dispatcher

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/doughall/shellrelay/internal/protocol"
)

// Echo is the presentation side that records the user's input.
type Echo interface {
	AppendInput(text string)
}

// Conn is the subset of *connection.Connection the dispatcher needs.
type Conn interface {
	Send(msg protocol.Message) error
	ReportError(err error)
}

// Dispatcher sends commands on one connection.
type Dispatcher struct {
	conn   Conn
	echo   Echo
	logger *slog.Logger

	sent atomic.Uint64
}

// New creates a Dispatcher bound to conn. echo may be nil.
func New(conn Conn, echo Echo, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		conn:   conn,
		echo:   echo,
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// DispatchCommand echoes text and queues it for the server without waiting
// for the write or for a result.
func (d *Dispatcher) DispatchCommand(text string) {
	if d.echo != nil {
		d.echo.AppendInput(text)
	}

	if err := d.conn.Send(protocol.Command(text)); err != nil {
		d.logger.Debug("command not sent", slog.String("error", err.Error()))
		d.conn.ReportError(fmt.Errorf("send command: %w", err))
		return
	}
	d.sent.Add(1)
}

// Sent returns the number of commands accepted for sending.
func (d *Dispatcher) Sent() uint64 {
	return d.sent.Load()
}
