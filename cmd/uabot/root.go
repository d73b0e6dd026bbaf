package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/gateway"
	"github.com/uaserver/uabot/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "uabot",
		Short:         "UAserver AI chat gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (yaml, json or toml; optional).")
	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error (overrides config).")
	cmd.PersistentFlags().String("log-format", "", "Logging format: text|json (overrides config).")

	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newConsoleCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig reads the config file and environment, applies the logging
// flags and sets up the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(v) != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); strings.TrimSpace(v) != "" {
		cfg.Logging.Format = v
	}

	if err := logger.Configure(os.Stderr, cfg.Logging.Format); err != nil {
		return nil, err
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	return cfg, nil
}

// runSession starts s and blocks until it stops on its own (remote /stop),
// a signal arrives, or extra is closed.
func runSession(ctx context.Context, s *gateway.Session, extra <-chan struct{}) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	select {
	case <-s.Done():
		return nil
	case <-sigCtx.Done():
		logger.InfoC("gateway", "Shutdown signal received")
	case <-extra:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}
