// Package router delivers result messages from the relay server to the
// presentation layer, in the order they arrive.
//
// A Router attaches to exactly one connection at a time and registers its
// output handler exactly once. Results are handed over immediately; there is no
// buffering and no deduplication, because the connection delivers each message
// once and in order.
package router

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/protocol"
)

// ErrAlreadyAttached is returned by Attach when the router is already bound to a connection.
var ErrAlreadyAttached = errors.New("router already attached")

// Presenter is the presentation side that displays results.
type Presenter interface {
	AppendOutput(text string)
}

// ResultHandler is called once per result, in arrival order.
type ResultHandler func(payload string)

// Conn is the subset of *connection.Connection the router needs.
type Conn interface {
	OnMessage(t protocol.Type, h connection.MessageHandler) (connection.Deregister, error)
}

// Router routes output messages to a handler.
type Router struct {
	handler ResultHandler
	logger  *slog.Logger

	mu    sync.Mutex
	dereg connection.Deregister

	delivered atomic.Uint64
}

// New creates a Router that calls handler for every result.
func New(handler ResultHandler, logger *slog.Logger) *Router {
	return &Router{
		handler: handler,
		logger:  logger.With(slog.String("component", "router")),
	}
}

// ToPresenter creates a Router that appends every result to p.
func ToPresenter(p Presenter, logger *slog.Logger) *Router {
	return New(p.AppendOutput, logger)
}

// Attach registers the router's output handler on conn.
func (r *Router) Attach(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dereg != nil {
		return ErrAlreadyAttached
	}
	dereg, err := conn.OnMessage(protocol.TypeOutput, r.onResult)
	if err != nil {
		return err
	}
	r.dereg = dereg
	return nil
}

// Detach deregisters the output handler. It is safe to call when not attached.
func (r *Router) Detach() {
	r.mu.Lock()
	dereg := r.dereg
	r.dereg = nil
	r.mu.Unlock()

	if dereg != nil {
		dereg()
	}
}

// Delivered returns the number of results handed to the handler.
func (r *Router) Delivered() uint64 {
	return r.delivered.Load()
}

func (r *Router) onResult(payload string) {
	r.logger.Debug("result received",
		slog.Int("length", len(payload)),
		slog.Bool("failure", protocol.Output(payload).IsFailure()),
	)
	r.handler(payload)
	r.delivered.Add(1)
}
