package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// exportCmd writes the profile document
func exportCmd() *cobra.Command {
	var (
		format string
		redact bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all profiles",
		Long: `Export the profile document as TOML, JSON or YAML.

Credentials are included unless --redact is passed or [settings]
redact_export is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := service.ExportOptions{Format: format}
			if cmd.Flags().Changed("redact") {
				opts.Redact = &redact
			}
			if format == "" && output != "" {
				opts.Format = formatFromPath(output)
			}
			return withService(func(ctx context.Context, svc *service.Service) error {
				data, err := svc.ExportConfig(ctx, opts)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err := os.Stdout.Write(data)
					return err
				}
				if err := fileutil.WriteFileAtomic(output, data, 0600); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(os.Stderr, "✓ Exported to %s\n", output)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: toml, json, yaml (default from -o extension, else toml)")
	cmd.Flags().BoolVar(&redact, "redact", false, "Mask credentials")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

// importCmd loads profiles from an export
func importCmd() *cobra.Command {
	var (
		format string
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import profiles from an export",
		Long: `Import profiles from a TOML, JSON or YAML export.

merge (default) adds incoming profiles and overwrites same-named ones.
replace swaps the whole profile set for the incoming one.

Nothing is written if any incoming profile is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
				if format == "" {
					format = formatFromPath(args[0])
				}
			}
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}

			return withService(func(ctx context.Context, svc *service.Service) error {
				if mode == service.ImportReplace {
					settings, err := svc.GlobalSettings()
					if err != nil {
						return err
					}
					if !settings.SkipConfirm && !confirmAction("Replace all existing profiles?") {
						fmt.Println("Aborted")
						return nil
					}
				}

				res, err := svc.ImportConfig(ctx, data, service.ImportOptions{Format: format, Mode: mode})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("✓ Imported: %d added, %d updated, %d removed\n",
					len(res.Added), len(res.Updated), len(res.Removed))
				for _, name := range res.Added {
					fmt.Printf("  + %s\n", name)
				}
				for _, name := range res.Updated {
					fmt.Printf("  ~ %s\n", name)
				}
				for _, name := range res.Removed {
					fmt.Printf("  - %s\n", name)
				}
				if res.Settings != nil {
					fmt.Println("✓ Settings file updated")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Input format: toml, json, yaml (default from file extension)")
	cmd.Flags().StringVar(&mode, "mode", service.ImportMerge, "Import mode: merge or replace")

	return cmd
}

// validateCmd checks every profile
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every profile without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				report, err := svc.ValidateAll()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(report)
				}
				if report.Valid {
					fmt.Printf("✓ %d profiles valid\n", report.Sections)
					return nil
				}
				fmt.Printf("✗ %d issues in %d profiles\n", len(report.Issues), report.Sections)
				for _, issue := range report.Issues {
					where := issue.Section
					if where == "" {
						where = "(document)"
					}
					fmt.Printf("  %-20s %-22s %s\n", where, issue.Code, issue.Message)
				}
				return models.NewError(models.ErrValidation, fmt.Sprintf("%d profiles failed validation", countSections(report)))
			})
		},
	}
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return service.FormatJSON
	case ".yaml", ".yml":
		return service.FormatYAML
	case ".toml":
		return service.FormatTOML
	}
	return ""
}

func countSections(report *service.ValidationReport) int {
	seen := make(map[string]bool)
	for _, issue := range report.Issues {
		seen[issue.Section] = true
	}
	return len(seen)
}
