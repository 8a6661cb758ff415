// Package server is the relay's HTTP front end. It upgrades requests on /ws to
// relay connections, attaches each one to the execution engine, and serves
// health and status endpoints.
//
// Every connection is accepted, from any origin, without authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/engine"
	"github.com/doughall/shellrelay/internal/sysinfo"
	"github.com/doughall/shellrelay/internal/version"
)

// Route paths.
const (
	PathHealth = "/healthz"
	PathStatus = "/status"
)

const hostInfoTTL = 10 * time.Second

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts relay connections and tracks the live ones.
type Server struct {
	engine  *engine.Engine
	opts    connection.Options
	logger  *slog.Logger
	started time.Time
	host    *sysinfo.Cache

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	conns      map[string]*connection.Connection
	closing    bool
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New creates a Server that runs commands on eng. opts applies to every
// accepted connection.
func New(eng *engine.Engine, opts connection.Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	opts.Logger = logger
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine:  eng,
		opts:    opts,
		logger:  logger,
		started: time.Now(),
		host:    sysinfo.NewCache(hostInfoTTL),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[string]*connection.Connection),
	}
}

// Handler returns the HTTP routes with CORS headers applied.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET(connection.Path, s.handleConnect)
	router.GET(PathHealth, s.handleHealth)
	router.GET(PathStatus, s.handleStatus)
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})
	return cors(router)
}

// cors allows any origin, matching the upgrader's origin policy.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Serve accepts HTTP requests on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("relay server listening", slog.String("addr", ln.Addr().String()))

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting, closes every live connection gracefully and waits
// for their read loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	// Cancelling the base context closes every connection.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

// IsHealthy reports whether the server is accepting connections.
func (s *Server) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *connection.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *connection.Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.IsHealthy() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := connection.Accept(w, r, s.opts)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	if _, err := s.engine.Attach(conn); err != nil {
		s.logger.Error("failed to attach connection",
			slog.String("connection_id", conn.ID()),
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		_ = conn.Run(s.baseCtx)
		return
	}

	s.logger.Info("client connected",
		slog.String("connection_id", conn.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	err = conn.Run(s.baseCtx)

	attrs := []any{
		slog.String("connection_id", conn.ID()),
		slog.Duration("duration", time.Since(conn.CreatedAt())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Info("client disconnected", attrs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Version       string            `json:"version"`
	Commit        string            `json:"commit"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connections   int               `json:"connections"`
	Engine        engine.Stats      `json:"engine"`
	Host          *sysinfo.HostInfo `json:"host,omitempty"`
}

// Status builds the current status report.
func (s *Server) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Version:       version.Version,
		Commit:        version.Commit,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   s.Connections(),
		Engine:        s.engine.Stats(),
	}

	host, err := s.host.Get(ctx)
	if err != nil {
		s.logger.Debug("host facts unavailable", slog.String("error", err.Error()))
	} else {
		report.Host = host
	}
	return report
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status(r.Context())); err != nil {
		s.logger.Warn("failed to write status", slog.String("error", err.Error()))
	}
}
