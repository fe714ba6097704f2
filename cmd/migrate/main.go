package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophtrust/internal/logging"
	"github.com/dmitrijs2005/gophtrust/internal/server/config"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	opts, err := parseOptions(os.Args[1:])
	logger := logging.NewJSONLogger(os.Stderr, slog.LevelInfo)
	if err != nil {
		logger.Error(ctx, "invalid arguments", "error", err)
		os.Exit(2)
	}

	if opts.askToken && cfg.ExternalIdPAdminToken == "" {
		token, err := promptToken(int(os.Stdin.Fd()), os.Stderr)
		if err != nil {
			logger.Error(ctx, "reading admin token failed", "error", err)
			os.Exit(2)
		}
		cfg.ExternalIdPAdminToken = token
	}

	if err := run(ctx, cfg, opts, logger, os.Stdout); err != nil {
		logger.Error(ctx, "migration command failed", "error", err)
		os.Exit(1)
	}
}
