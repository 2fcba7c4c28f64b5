package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glkvm-cloud/device-console/internal/app"
	"github.com/glkvm-cloud/device-console/internal/config"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "console start failed: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("console", pflag.ContinueOnError)
	flags.String("config-file", "", "optional config file (yaml, json, toml)")
	flags.String("listen-addr", "", "HTTP listen address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("storage-type", "", "device store backend (sqlite, bbolt)")
	flags.String("publishers-file", "", "publishers registry file")
	flags.String("base-domain", "", "domain under which device subdomains live")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sugar, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("console starting", "config", map[string]any{
		"app_env":         cfg.Env,
		"listen_addr":     cfg.ListenAddr,
		"storage_type":    cfg.StorageType,
		"storage_path":    cfg.StoragePath(),
		"publishers_file": cfg.PublishersFile,
		"base_domain":     cfg.BaseDomain,
		"auth_enabled":    cfg.AuthSecret != "",
	})

	logger.DebugObj("console timeouts", "timeouts", map[string]any{
		"http":     cfg.HTTPTimeout.String(),
		"command":  cfg.CommandTimeout.String(),
		"shutdown": cfg.ShutdownTimeout.String(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console, err := app.NewConsole(ctx, cfg, logger.FromSugar(sugar))
	if err != nil {
		logger.ErrorObj("failed to initialize console", "error", err)
		return err
	}

	if err := console.Run(ctx); err != nil {
		return fmt.Errorf("console run: %w", err)
	}
	return nil
}
