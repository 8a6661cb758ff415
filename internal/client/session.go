package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/console"
	"github.com/doughall/shellrelay/internal/dispatcher"
	"github.com/doughall/shellrelay/internal/router"
)

// Session wires one connection to the console: typed lines go out through a
// dispatcher and results come back through a router.
type Session struct {
	conn       *connection.Connection
	console    *console.Console
	dispatcher *dispatcher.Dispatcher
	router     *router.Router
	logger     *slog.Logger

	received atomic.Uint64
	arrived  chan struct{}

	deregError connection.Deregister
	deregClose connection.Deregister
}

// NewSession registers the session's handlers on conn. conn must not be running yet.
func NewSession(conn *connection.Connection, con *console.Console, logger *slog.Logger) (*Session, error) {
	s := &Session{
		conn:    conn,
		console: con,
		logger:  logger.With(slog.String("connection_id", conn.ID())),
		arrived: make(chan struct{}, 1),
	}
	s.dispatcher = dispatcher.New(conn, con, s.logger)
	s.router = router.New(s.onResult, s.logger)

	if err := s.router.Attach(conn); err != nil {
		return nil, err
	}
	deregError, err := conn.OnError(s.onError)
	if err != nil {
		s.router.Detach()
		return nil, err
	}
	deregClose, err := conn.OnClose(s.onClose)
	if err != nil {
		deregError()
		s.router.Detach()
		return nil, err
	}
	s.deregError = deregError
	s.deregClose = deregClose
	return s, nil
}

func (s *Session) onResult(payload string) {
	s.console.AppendOutput(payload)
	s.received.Add(1)
	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

func (s *Session) onError(err error) {
	s.logger.Warn("relay error", slog.String("error", err.Error()))
	if errors.Is(err, connection.ErrConnectionClosed) {
		s.console.Notice("command not sent: connection closed")
	}
}

// onClose tears the session's handlers down exactly once.
func (s *Session) onClose(err error) {
	s.router.Detach()
	s.deregError()
	s.deregClose()

	s.logger.Debug("session closed",
		slog.Uint64("commands_sent", s.dispatcher.Sent()),
		slog.Uint64("results_delivered", s.router.Delivered()),
	)
	if err != nil {
		s.console.Notice("connection lost: %v", err)
		return
	}
	s.console.Notice("disconnected")
}

// Outstanding returns how many dispatched commands have no result yet.
func (s *Session) Outstanding() uint64 {
	sent, got := s.dispatcher.Sent(), s.received.Load()
	if got >= sent {
		return 0
	}
	return sent - got
}

// Run reads commands from in until EOF, then waits for the outstanding results
// and closes the connection. It returns early if the connection closes or ctx is
// cancelled. The returned error is nil for a clean close.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	runDone := make(chan error, 1)
	go func() { runDone <- s.conn.Run(ctx) }()

	readDone := make(chan error, 1)
	go func() { readDone <- console.ReadLoop(ctx, in, s.dispatcher.DispatchCommand) }()

	select {
	case err := <-runDone:
		return err
	case err := <-readDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("input closed with error", slog.String("error", err.Error()))
		}
	}

	s.drain(ctx)
	_ = s.conn.Close()
	if err := <-runDone; err != nil {
		return fmt.Errorf("relay session: %w", err)
	}
	return nil
}

// drain blocks until every dispatched command has a result, the connection
// closes, or ctx is done.
func (s *Session) drain(ctx context.Context) {
	for s.Outstanding() > 0 {
		select {
		case <-s.arrived:
		case <-s.conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
