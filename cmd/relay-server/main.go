// relay-server accepts relay connections on /ws and runs every command it
// receives with `<shell> -c`, sending back stdout on success or "Error: " and
// stderr on failure.
//
// Configuration is read from /etc/shellrelay/server.yaml when present, or from
// the file named by --config. The server runs as a Type=notify systemd unit or
// in the foreground, and shuts down gracefully on SIGINT or SIGTERM.
//
// Security: there is no authentication, no origin check and no sandboxing.
// Anyone who can reach the port can run arbitrary commands as the user the
// server runs as. Bind it only where that is acceptable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/doughall/shellrelay/internal/config"
	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/engine"
	"github.com/doughall/shellrelay/internal/executor"
	"github.com/doughall/shellrelay/internal/logging"
	"github.com/doughall/shellrelay/internal/server"
	"github.com/doughall/shellrelay/internal/shutdown"
	"github.com/doughall/shellrelay/internal/systemd"
	"github.com/doughall/shellrelay/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	cli.VersionPrinter = func(*cli.Context) {
		fmt.Println(version.Info("relay-server"))
	}

	return &cli.App{
		Name:    "relay-server",
		Usage:   "run shell commands received over WebSocket relay connections",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the configuration file (default " + config.DefaultServerConfigPath + " if present)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "TCP port to listen on, overriding the configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "one of debug, info, warn, error, overriding the configuration file",
			},
			&cli.BoolFlag{
				Name:  "print-config",
				Usage: "print the effective configuration as YAML and exit",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadServer(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if c.Bool("print-config") {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	logger := logging.SetupLogger(cfg.LogLevel, logging.FormatJSON, os.Stdout)

	shell, err := executor.ResolveShell(cfg.Shell)
	if err != nil {
		return fmt.Errorf("shell check failed: %w", err)
	}

	logger.Info("relay server starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.Int("port", cfg.Port),
		slog.String("shell", shell),
		slog.Int64("max_message_bytes", cfg.MaxMessageBytes),
		slog.Duration("ping_interval", cfg.PingInterval()),
	)

	eng := engine.New(&executor.Executor{Shell: shell}, logger)
	srv := server.New(eng, connection.Options{
		ReadLimit:    cfg.MaxMessageBytes,
		PingInterval: cfg.PingInterval(),
	}, logger)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	notifier := systemd.NewNotifier(logger)
	coordinator := shutdown.NewCoordinator(logger)
	coordinator.Register("relay-server", srv)
	coordinator.Register("systemd", notifier)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	notifier.Ready()
	notifier.StartWatchdog(ctx, srv.IsHealthy)
	logger.Info("relay server ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, starting graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("shutdown complete", slog.Uint64("commands_executed", eng.Stats().Executed))
	return nil
}
