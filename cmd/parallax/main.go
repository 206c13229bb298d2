package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"parallax/internal/cli"
	"parallax/internal/config"
	"parallax/internal/logging"
	"parallax/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parallax: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parallax: setting up logging: %v\n", err)
		os.Exit(1)
	}

	var store *storage.Store
	if cfg.Paths.DatabasePath != "" {
		store, err = storage.New(cfg.Paths.DatabasePath)
		if err != nil {
			log.Warn("run records disabled, cannot open database", "path", cfg.Paths.DatabasePath, "error", err)
		} else {
			defer store.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCmd(cfg, log, store)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
