// Package connection implements the relay's Connection Manager: one persistent,
// ordered, bidirectional WebSocket channel per client.
//
// Lifecycle (both sides):
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTED
//
// DISCONNECTED is terminal. There is no automatic reconnect; a new Connection
// must be dialed explicitly.
//
// Handler discipline:
//   - At most one handler per event (per message type, close, error).
//   - Registration returns a Deregister handle; registering again without
//     deregistering fails with ErrHandlerRegistered.
//   - Handlers should be registered before Run starts the read loop.
//
// Thread safety:
//   - Send, Close, ReportError and the On* methods are safe for concurrent use.
//   - Message handlers run on the read loop goroutine, one at a time, in arrival order.
//
// Usage:
//
//	conn, err := connection.Dial(ctx, "http://localhost:5000", connection.Options{Logger: logger})
//	dereg, err := conn.OnMessage(protocol.TypeOutput, handleOutput)
//	defer dereg()
//	go conn.Run(ctx)
//	err = conn.Send(protocol.Command("echo hello"))
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/doughall/shellrelay/internal/protocol"
)

// Path is the HTTP path of the relay's WebSocket endpoint.
const Path = "/ws"

// Defaults applied when Options leaves a field unset.
const (
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 10 * time.Second

	// NoReadLimit disables the inbound frame size check.
	NoReadLimit = -1
)

var (
	// ErrConnectionClosed is returned when sending on a Connection that is not CONNECTED.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTransportFailure wraps errors from the underlying channel breaking.
	ErrTransportFailure = errors.New("transport failure")

	// ErrHandlerRegistered is returned when a handler is already registered for an event.
	ErrHandlerRegistered = errors.New("handler already registered")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MessageHandler receives the payload of one inbound message.
type MessageHandler func(payload string)

// CloseHandler is called once when the Connection reaches DISCONNECTED.
// err is nil for a clean close by either side.
type CloseHandler func(err error)

// ErrorHandler receives asynchronous failures that have no caller to return to.
type ErrorHandler func(err error)

// Deregister removes a handler. Calling it more than once is a no-op.
type Deregister func()

// Options configures a Connection.
type Options struct {
	// ReadLimit is the maximum inbound frame size in bytes. 0 means 1 MiB,
	// NoReadLimit means unlimited. The server bounds command frames; the client
	// reads results of any size.
	ReadLimit int64

	// WriteTimeout bounds each frame write. Default: 10s.
	WriteTimeout time.Duration

	// PingInterval enables keepalive pings from this side. A peer that does not
	// answer within two intervals is treated as a transport failure. 0 disables.
	PingInterval time.Duration

	// Logger receives connection lifecycle logs. Default: slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadLimit == 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type registration[H any] struct {
	token uint64
	fn    H
}

// Connection is one client-server channel.
type Connection struct {
	id        string
	createdAt time.Time
	opts      Options
	logger    *slog.Logger

	ws *websocket.Conn

	// mu protects state, pending, cause and the handler tables.
	mu       sync.Mutex
	state    State
	pending  []protocol.Message
	cause    error
	nextTok  uint64
	messages map[protocol.Type]registration[MessageHandler]
	onClose  *registration[CloseHandler]
	onError  *registration[ErrorHandler]

	wake       chan struct{} // signals the writer that pending is non-empty
	closing    chan struct{} // closed on the transition to DISCONNECTED
	writerDone chan struct{}
	runOnce    sync.Once
}

func newConnection(opts Options) *Connection {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Connection{
		id:         id,
		createdAt:  time.Now(),
		opts:       opts,
		logger:     opts.Logger.With(slog.String("connection_id", id)),
		state:      StateDisconnected,
		messages:   make(map[protocol.Type]registration[MessageHandler]),
		wake:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the identifier assigned at connect time.
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the Connection was created.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the Connection reaches DISCONNECTED.
func (c *Connection) Done() <-chan struct{} { return c.closing }

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
}

// attach binds an established socket and moves the Connection to CONNECTED.
func (c *Connection) attach(ws *websocket.Conn) {
	c.ws = ws
	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	if c.opts.PingInterval > 0 {
		wait := 2 * c.opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	c.setState(StateConnected)
	go c.writeLoop()
}

// OnMessage registers the handler for inbound messages of type t.
func (c *Connection) OnMessage(t protocol.Type, h MessageHandler) (Deregister, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.messages[t]; exists {
		return nil, fmt.Errorf("%w: message %q", ErrHandlerRegistered, t)
	}
	c.nextTok++
	tok := c.nextTok
	c.messages[t] = registration[MessageHandler]{token: tok, fn: h}

	return c.deregisterOnce(func() {
		if reg, ok := c.messages[t]; ok && reg.token == tok {
			delete(c.messages, t)
		}
	}), nil
}

// OnClose registers the handler called when the Connection reaches DISCONNECTED.
func (c *Connection) OnClose(h CloseHandler) (Deregister, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onClose != nil {
		return nil, fmt.Errorf("%w: close", ErrHandlerRegistered)
	}
	c.nextTok++
	tok := c.nextTok
	c.onClose = &registration[CloseHandler]{token: tok, fn: h}

	return c.deregisterOnce(func() {
		if c.onClose != nil && c.onClose.token == tok {
			c.onClose = nil
		}
	}), nil
}

// OnError registers the handler for asynchronous errors.
func (c *Connection) OnError(h ErrorHandler) (Deregister, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onError != nil {
		return nil, fmt.Errorf("%w: error", ErrHandlerRegistered)
	}
	c.nextTok++
	tok := c.nextTok
	c.onError = &registration[ErrorHandler]{token: tok, fn: h}

	return c.deregisterOnce(func() {
		if c.onError != nil && c.onError.token == tok {
			c.onError = nil
		}
	}), nil
}

// deregisterOnce wraps remove so it runs under mu at most once.
func (c *Connection) deregisterOnce(remove func()) Deregister {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			remove()
			c.mu.Unlock()
		})
	}
}

// Send queues msg for delivery and returns without waiting for the write.
// Messages accepted by Send are written in the order they were accepted.
// Returns ErrConnectionClosed if the Connection is not CONNECTED.
func (c *Connection) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending = append(c.pending, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// ReportError delivers err to the registered error handler, or logs it if none is registered.
func (c *Connection) ReportError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	var h ErrorHandler
	if c.onError != nil {
		h = c.onError.fn
	}
	c.mu.Unlock()

	if h == nil {
		c.logger.Warn("connection error", slog.String("error", err.Error()))
		return
	}
	h(err)
}

// Close starts a clean shutdown. Messages already accepted by Send are flushed
// before the close frame. Close is idempotent.
func (c *Connection) Close() error {
	c.terminate(nil)
	return nil
}

// terminate moves the Connection to DISCONNECTED exactly once.
// cause is nil for a clean close.
func (c *Connection) terminate(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closing:
		return
	default:
	}
	c.cause = cause
	c.state = StateDisconnected
	close(c.closing)
}

// Run reads inbound messages and dispatches them until the Connection closes.
// Cancelling ctx closes the Connection. Run returns nil after a clean close,
// or an error wrapping ErrTransportFailure. The close handler fires exactly once,
// after both the read and write loops have stopped.
func (c *Connection) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("connection: Run called more than once")
	}

	stop := context.AfterFunc(ctx, func() { c.terminate(nil) })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.terminate(c.classifyReadError(err))
			break
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.ReportError(err)
			continue
		}
		c.dispatch(msg)
	}

	<-c.writerDone

	c.mu.Lock()
	cause := c.cause
	var h CloseHandler
	if c.onClose != nil {
		h = c.onClose.fn
	}
	c.mu.Unlock()

	if cause != nil {
		c.logger.Warn("connection lost", slog.String("error", cause.Error()))
		c.ReportError(cause)
	} else {
		c.logger.Debug("connection closed")
	}
	if h != nil {
		h(cause)
	}
	return cause
}

// classifyReadError maps a read failure to the close cause.
func (c *Connection) classifyReadError(err error) error {
	select {
	case <-c.closing:
		// We closed the socket ourselves; the read error is the echo of that.
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}

func (c *Connection) dispatch(msg protocol.Message) {
	c.mu.Lock()
	reg, ok := c.messages[msg.Type]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("no handler for message type",
			slog.String("type", string(msg.Type)),
		)
		return
	}
	reg.fn(msg.Payload)
}

// writeLoop is the only goroutine that writes data frames.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.wake:
			if err := c.flush(); err != nil {
				c.terminate(fmt.Errorf("%w: %w", ErrTransportFailure, err))
			}

		case <-ping:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.terminate(fmt.Errorf("%w: ping: %w", ErrTransportFailure, err))
			}

		case <-c.closing:
			c.mu.Lock()
			clean := c.cause == nil
			c.mu.Unlock()

			if clean {
				// Everything accepted before the state flipped is still in pending.
				if err := c.flush(); err != nil {
					c.logger.Debug("flush on close failed", slog.String("error", err.Error()))
				}
				deadline := time.Now().Add(c.opts.WriteTimeout)
				frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.ws.WriteControl(websocket.CloseMessage, frame, deadline)
			}
			c.ws.Close()
			return
		}
	}
}

// flush writes every pending message in order.
func (c *Connection) flush() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, msg := range batch {
		data, err := msg.Encode()
		if err != nil {
			c.ReportError(err)
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("dropping unsent messages", slog.Int("count", len(batch)-i))
			return err
		}
	}
	return nil
}
