// Command relayd serves an interactive command-line agent as a multi-client
// session API: JSON REST plus a server-sent-events stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tailored-agentic-units/relay/adapter"
	"github.com/tailored-agentic-units/relay/server"
)

func main() {
	app := &cli.App{
		Name:  "relayd",
		Usage: "serve an interactive CLI agent as a multi-client session API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":4096",
				Usage: "listen address",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a JSON config file",
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "path to the SQLite session database (empty keeps sessions in memory)",
			},
			&cli.StringFlag{
				Name:  "agent",
				Usage: "agent binary to spawn for each turn",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := adapter.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := adapter.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if v := c.String("data"); v != "" {
		cfg.Session.Path = v
	}
	if v := c.String("agent"); v != "" {
		cfg.Agent.Command = v
	}

	a, err := adapter.New(&cfg)
	if err != nil {
		return fmt.Errorf("initializing adapter: %w", err)
	}
	defer a.Close()

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = c.String("addr")
	serverCfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.New(&serverCfg, a).ListenAndServe(ctx)
}
