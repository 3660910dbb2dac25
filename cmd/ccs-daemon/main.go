// Package main is the entry point for the ccs daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/internal/daemon"
	"github.com/simpleflo/ccswitch/internal/observability"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ccs-daemon",
		Short: "ccs daemon - profile switching over a local socket",
		Long: `ccs-daemon serves profile operations over a Unix socket, prunes
backups and history on a schedule, and streams change events to
subscribers.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	// Flags
	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.ccs)")
	rootCmd.Flags().String("socket", "", "Unix socket path (default: ~/.ccs/ccs.sock)")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "json", "Log format: json, console")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Override with command line flags
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
		cfg.API.SocketPath = socket
	}
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat, _ = cmd.Flags().GetString("log-format")
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	// Set version info for daemon handlers
	daemon.Version = Version
	daemon.BuildTime = BuildTime

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
