package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/agentcore/memoryd/internal/cmd/migrate"
	"github.com/agentcore/memoryd/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "memoryd",
		Usage:   "Episodic and conversational memory store for AI agents",
		Version: version,
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal("memoryd exited with error", "err", err)
	}
}
