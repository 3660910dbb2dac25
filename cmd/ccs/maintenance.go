package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ccswitch/internal/migrate"
	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// backupCmd manages settings backups
func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage settings file backups",
	}

	createCmd := &cobra.Command{
		Use:   "create [label]",
		Short: "Snapshot the settings file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ""
			if len(args) > 0 {
				label = args[0]
			}
			return withService(func(ctx context.Context, svc *service.Service) error {
				rec, err := svc.CreateBackup(ctx, label)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(rec)
				}
				fmt.Printf("✓ Backup created: %s\n", rec.Path)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List backups, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				records, err := svc.ListBackups()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(records)
				}
				if len(records) == 0 {
					fmt.Println("No backups")
					return nil
				}
				fmt.Printf("%-48s %-20s %-10s %s\n", "FILE", "CREATED", "SIZE", "LABEL")
				for _, r := range records {
					fmt.Printf("%-48s %-20s %-10d %s\n",
						truncate(r.Filename, 48),
						r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						r.Size,
						r.Label,
					)
				}
				return nil
			})
		},
	}

	var yes bool
	restoreCmd := &cobra.Command{
		Use:   "restore [file|latest]",
		Short: "Restore the settings file from a backup",
		Long: `Restore the settings file from a backup. With no argument the newest
backup is used. The current settings file is backed up first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) > 0 {
				ref = args[0]
			}
			return withService(func(ctx context.Context, svc *service.Service) error {
				if !yes {
					settings, err := svc.GlobalSettings()
					if err != nil {
						return err
					}
					if !settings.SkipConfirm && !confirmAction("Overwrite the settings file?") {
						fmt.Println("Aborted")
						return nil
					}
				}
				res, err := svc.RestoreBackup(ctx, ref)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("✓ Restored %s\n", res.Restored.Filename)
				if res.PreRestore != nil {
					fmt.Printf("  previous settings saved as %s\n", res.PreRestore.Filename)
				}
				return nil
			})
		},
	}
	restoreCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	var (
		maxAge   time.Duration
		maxCount int
	)
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old backups",
		Long: `Remove backups older than --max-age and beyond the newest --max-count.
Unset flags fall back to the configured retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				removed, err := svc.PruneBackups(ctx, maxAge, maxCount)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(removed)
				}
				fmt.Printf("✓ Removed %d backups\n", len(removed))
				return nil
			})
		},
	}
	pruneCmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove backups older than this")
	pruneCmd.Flags().IntVar(&maxCount, "max-count", 0, "Keep at most this many backups")

	cmd.AddCommand(createCmd, listCmd, restoreCmd, pruneCmd)

	return cmd
}

// historyCmd shows the audit log
func historyCmd() *cobra.Command {
	var (
		limit  int
		since  time.Duration
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				if verify {
					if err := svc.VerifyHistory(ctx); err != nil {
						return err
					}
					fmt.Println("✓ History chain intact")
					return nil
				}

				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				entries, err := svc.History(ctx, limit, from)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("No history")
					return nil
				}
				fmt.Printf("%-6s %-20s %-8s %-12s %s\n", "SEQ", "TIME", "OP", "ACTOR", "CONFIG")
				for _, e := range entries {
					fmt.Printf("%-6d %-20s %-8s %-12s %s\n",
						e.Seq,
						e.Timestamp.Local().Format("2006-01-02 15:04:05"),
						e.Operation,
						truncate(e.Actor, 12),
						describeTransition(e),
					)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show entries newer than this (e.g. 24h)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the hash chain instead of listing")

	var max int
	trimCmd := &cobra.Command{
		Use:   "trim",
		Short: "Drop the oldest audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				removed, err := svc.TrimHistory(ctx, max)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Removed %d entries\n", removed)
				return nil
			})
		},
	}
	trimCmd.Flags().IntVar(&max, "max", 0, "Entries to keep (default from configuration)")
	cmd.AddCommand(trimCmd)

	return cmd
}

func describeTransition(e models.HistoryEntry) string {
	switch {
	case e.FromConfig != "" && e.ToConfig != "" && e.FromConfig != e.ToConfig:
		return e.FromConfig + " → " + e.ToConfig
	case e.ToConfig != "":
		return e.ToConfig
	default:
		return e.FromConfig
	}
}

// migrateCmd upgrades the profile layout
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or upgrade the profile layout",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which layout is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				status, err := svc.MigrationStatus()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(status)
				}
				mode := "legacy"
				if status.IsUnifiedMode {
					mode = "unified"
				}
				fmt.Printf("Layout:          %s\n", mode)
				fmt.Printf("Legacy file:     %s (exists: %v, %d profiles)\n",
					status.LegacyConfigPath, status.LegacyConfigExists, status.LegacySectionCount)
				if status.UnifiedExists() {
					fmt.Printf("Unified root:    %s\n", status.UnifiedConfigPath)
				}
				if status.ShouldMigrate() {
					fmt.Println("\nRun 'ccs migrate run' to upgrade.")
				}
				return nil
			})
		},
	}

	var platform string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Upgrade the legacy file to the per-platform layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				res, err := svc.Migrate(ctx, migrate.Options{Platform: platform})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				if !res.Migrated {
					fmt.Printf("Nothing to migrate: %s\n", res.Reason)
					return nil
				}
				fmt.Printf("✓ Migrated %d profiles into %s\n", res.SectionsMigrated, strings.Join(res.Platforms, ", "))
				if res.BackupPath != "" {
					fmt.Printf("  legacy file saved as %s\n", res.BackupPath)
				}
				return nil
			})
		},
	}
	runCmd.Flags().StringVar(&platform, "platform", "", "Platform to make current when the layouts disagree")

	cmd.AddCommand(statusCmd, runCmd)

	return cmd
}

// configCmd shows effective configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}

			fmt.Println("Paths:")
			fmt.Printf("  Data dir:        %s\n", cfg.DataDir)
			fmt.Printf("  Legacy profiles: %s\n", cfg.LegacyConfigPath)
			fmt.Printf("  Unified root:    %s\n", cfg.UnifiedRoot())
			fmt.Printf("  Settings file:   %s\n", cfg.SettingsPath)
			fmt.Printf("  History:         %s\n", cfg.HistoryPath())
			fmt.Printf("  Backups:         %s\n", cfg.BackupsDir())
			fmt.Printf("  Socket:          %s\n", cfg.API.SocketPath)
			fmt.Println()
			fmt.Println("Locks:")
			fmt.Printf("  Stale after:     %s\n", cfg.Lock.StaleAfter)
			fmt.Printf("  Max wait:        %s\n", cfg.Lock.MaxWait)
			fmt.Println()
			fmt.Println("Retention:")
			fmt.Printf("  Backup max age:  %s\n", cfg.Backup.MaxAge)
			fmt.Printf("  Backup count:    %d\n", cfg.Backup.MaxCount)
			fmt.Printf("  Prune schedule:  %s\n", cfg.Backup.PruneSchedule)
			fmt.Printf("  History entries: %d\n", cfg.History.MaxEntries)
			fmt.Println()
			fmt.Println("Migration:")
			fmt.Printf("  Default platform: %s\n", cfg.Migration.DefaultPlatform)
			for providerType, platform := range cfg.Migration.Groups {
				fmt.Printf("  %-16s → %s\n", providerType, platform)
			}
			return nil
		},
	}
}
