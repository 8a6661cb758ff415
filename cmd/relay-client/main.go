// relay-client is the interactive side of the shell relay. Each line read from
// stdin is sent to the relay server as a command and each result is printed as
// it arrives. At end of input the client waits for outstanding results, then
// disconnects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/doughall/shellrelay/internal/client"
	"github.com/doughall/shellrelay/internal/config"
	"github.com/doughall/shellrelay/internal/console"
	"github.com/doughall/shellrelay/internal/logging"
	"github.com/doughall/shellrelay/internal/version"
)

func main() {
	cli.VersionPrinter = func(*cli.Context) {
		fmt.Println(version.Info("relay-client"))
	}

	app := &cli.App{
		Name:    "relay-client",
		Usage:   "send shell commands to a relay server and print the results",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the configuration file (default " + config.DefaultClientConfigPath + " if present)",
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "relay server URL, overriding the configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "one of debug, info, warn, error, overriding the configuration file",
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "dial immediately instead of waiting for the server to report healthy",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("server") {
		cfg.ServerURL = c.String("server")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("no-wait") {
		cfg.WaitTimeoutSeconds = 0
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetupLogger(cfg.LogLevel, logging.FormatText, os.Stderr)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rc := client.NewClient(cfg.ServerURL, logger)

	if timeout := cfg.WaitTimeout(); timeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := rc.WaitForServer(waitCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	conn, err := rc.Connect(ctx)
	if err != nil {
		return err
	}

	con := console.New(os.Stdout, console.EchoInputFor(os.Stdin))
	session, err := client.NewSession(conn, con, logger)
	if err != nil {
		_ = conn.Close()
		return err
	}

	con.Welcome(cfg.ServerURL)
	logger.Debug("session started", slog.String("connection_id", conn.ID()))

	return session.Run(ctx, os.Stdin)
}
