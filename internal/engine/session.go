package engine

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/protocol"
)

// Conn is the subset of *connection.Connection a Session needs.
type Conn interface {
	ID() string
	OnMessage(t protocol.Type, h connection.MessageHandler) (connection.Deregister, error)
	OnClose(h connection.CloseHandler) (connection.Deregister, error)
	Send(msg protocol.Message) error
}

// Session serializes command execution for one connection.
type Session struct {
	engine *Engine
	conn   Conn
	logger *slog.Logger

	mu     sync.Mutex
	queue  []string
	closed bool

	wake chan struct{}
	done chan struct{}
	idle chan struct{} // closed when the worker exits

	deregCommand connection.Deregister
	deregClose   connection.Deregister
}

// Attach registers the engine's command and close handlers on conn and starts
// the session worker. It must be called once, before the connection's Run.
func (e *Engine) Attach(conn Conn) (*Session, error) {
	s := &Session{
		engine: e,
		conn:   conn,
		logger: e.logger.With(slog.String("connection_id", conn.ID())),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}

	deregCommand, err := conn.OnMessage(protocol.TypeCommand, s.enqueue)
	if err != nil {
		return nil, err
	}
	deregClose, err := conn.OnClose(s.onClose)
	if err != nil {
		deregCommand()
		return nil, err
	}
	s.deregCommand = deregCommand
	s.deregClose = deregClose

	e.active.Add(1)
	go s.work()
	return s, nil
}

// wait blocks until the session worker has stopped.
func (s *Session) wait() {
	<-s.idle
}

// pending returns the number of commands waiting behind the one in flight.
func (s *Session) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) enqueue(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, text)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return "", false
	}
	text := s.queue[0]
	s.queue = s.queue[1:]
	return text, true
}

func (s *Session) work() {
	defer close(s.idle)
	defer s.engine.active.Add(-1)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			text, ok := s.next()
			if !ok {
				break
			}
			s.logger.Info("executing command", slog.Int("length", len(text)))

			msg := s.engine.OnCommand(text)
			if err := s.conn.Send(msg); err != nil {
				if errors.Is(err, connection.ErrConnectionClosed) {
					s.engine.discarded.Add(1)
					s.logger.Info("connection closed before result was sent, discarding result")
				} else {
					s.logger.Warn("failed to send result", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// onClose tears the session down exactly once: handlers are deregistered and
// queued commands are dropped. A command already running finishes on its own.
func (s *Session) onClose(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.deregCommand()
	s.deregClose()
	close(s.done)

	if dropped > 0 {
		s.engine.discarded.Add(uint64(dropped))
	}
	attrs := []any{slog.Int("dropped_commands", dropped)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Debug("session closed", attrs...)
}
