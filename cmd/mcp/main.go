// Command mcp serves the database tools over the Model Context Protocol on
// stdin/stdout.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	mcpadapter "github.com/kirillkom/db-agent/internal/adapters/mcp"
	"github.com/kirillkom/db-agent/internal/bootstrap"
	"github.com/kirillkom/db-agent/internal/config"
	"github.com/kirillkom/db-agent/internal/observability/logging"
)

const (
	serviceName = "mcp"
	version     = "1.0.0"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	// stdout carries the protocol.
	slog.SetDefault(logging.NewTextLogger(os.Stderr, serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	tools := mcpadapter.NewTools(app.Dispatcher, app.Schema, cfg.AgentToolTimeout)
	if err := mcpadapter.ServeStdio(tools.NewServer(version)); err != nil {
		slog.Error("mcp_serve_failed", "error", err)
	}
}
