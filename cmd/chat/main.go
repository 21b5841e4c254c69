package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kirillkom/db-agent/internal/adapters/cli"
	"github.com/kirillkom/db-agent/internal/bootstrap"
	"github.com/kirillkom/db-agent/internal/config"
	"github.com/kirillkom/db-agent/internal/observability/logging"
)

const serviceName = "chat"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		message  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions about the configured database from the terminal",
		Long: "Starts an interactive session with the database agent. History is kept for the\n" +
			"whole session. Use --message to ask a single question and exit.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg := config.Load()
			if cmd.Flags().Changed("log-level") || os.Getenv("LOG_LEVEL") == "" {
				cfg.LogLevel = logLevel
			}
			slog.SetDefault(logging.NewTextLogger(os.Stderr, serviceName, cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, serviceName)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer app.Close()

			console := cli.NewConsole(app.Agent, os.Stdin, cmd.OutOrStdout())
			if strings.TrimSpace(message) != "" {
				_, err := console.Ask(ctx, message)
				return err
			}
			return console.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "ask one question and exit")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr (debug, info, warn, error, quiet)")
	cmd.SetContext(context.Background())
	return cmd
}
