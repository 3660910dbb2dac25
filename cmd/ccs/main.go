// Package main is the entry point for the ccs CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

// Global flags
var (
	jsonOutput bool
	logLevel   string
	rootDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ccs",
		Short: "ccs - switch between AI provider profiles",
		Long: `ccs keeps named provider profiles (endpoint, credential, models) and
projects the selected one into the Claude settings file.

Profiles live in ~/.ccs_config.toml, or under ~/.ccs after migrating to
the per-platform layout. Every change is backed up and recorded in an
audit log.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default warn)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Force the per-platform layout rooted at this directory")

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(switchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(models.ExitCode(err))
	}
}

// loadConfig reads configuration and applies global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if rootDir != "" {
		cfg.RootDir = rootDir
	}

	level := "warn"
	if logLevel != "" {
		level = logLevel
	}
	observability.SetupLogging(level, "console", os.Stderr)
	return cfg, nil
}

// withService runs fn against a freshly opened service. SIGINT cancels
// the context, which aborts lock waits.
func withService(fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, svc)
}

// describe renders an error for the terminal, with the section or
// resource it concerns when known.
func describe(err error) string {
	var ce *models.CcsError
	if !errors.As(err, &ce) {
		return err.Error()
	}
	msg := ce.Message
	if ce.Cause != nil {
		var inner *models.CcsError
		if errors.As(ce.Cause, &inner) {
			msg += ": " + inner.Message
		} else {
			msg += ": " + ce.Cause.Error()
		}
	}
	return fmt.Sprintf("%s (%s)", msg, ce.Code)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func confirmAction(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("%s [y/N]: ", prompt)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
