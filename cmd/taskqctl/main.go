package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/app"
	"github.com/SirClappington/taskq/internal/cli"
	"github.com/SirClappington/taskq/internal/config"
	"github.com/SirClappington/taskq/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Command output goes to stdout; keep logs quiet unless asked.
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(func(ctx context.Context, opts ...app.Option) (*app.App, error) {
		return app.Open(ctx, cfg, log, opts...)
	})
	if err := root.ExecuteContext(ctx); err != nil {
		log.Debug("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "taskqctl:", err)
		os.Exit(1)
	}
}
