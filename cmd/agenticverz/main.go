// Command agenticverz runs the execution engine worker and its operator tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenticverz/agenticverz/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	logger  *slog.Logger
	rootCmd = &cobra.Command{
		Use:   "agenticverz",
		Short: "Execution and resilience engine for agent runs",
		Long: `agenticverz executes queued agent runs step by step behind a circuit
breaker, idempotency store and budget enforcer, and records a deterministic
trace and a signed golden file for every attempt.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("AGENTICVERZ_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
