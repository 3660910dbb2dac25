package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// listCmd lists all profiles
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List profiles",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				list, err := svc.ListConfigs()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(list)
				}
				if len(list.Configs) == 0 {
					fmt.Println("No profiles found. Add one with: ccs add <name> --base-url ... --auth-token ...")
					return nil
				}

				fmt.Printf("  %-20s %-36s %-24s %-6s\n", "NAME", "BASE URL", "MODEL", "USES")
				for _, s := range list.Configs {
					marker := " "
					if s.Name == list.CurrentConfig {
						marker = "*"
					}
					name := s.Name
					if s.Name == list.DefaultConfig {
						name += " (default)"
					}
					if !s.Enabled {
						name += " [off]"
					}
					fmt.Printf("%s %-20s %-36s %-24s %-6d\n",
						marker,
						truncate(name, 20),
						truncate(s.BaseURL, 36),
						truncate(s.Model, 24),
						s.UsageCount,
					)
				}
				fmt.Printf("\n%s layout: %s\n", list.Layout, list.Path)
				return nil
			})
		},
	}
}

// currentCmd shows the current profile and the live settings
func currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the current profile and what the settings file holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				current, err := svc.CurrentConfig()
				if err != nil {
					return err
				}
				live, err := svc.CurrentSettings()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{
						"config":   current,
						"settings": live,
					})
				}

				printSection(current)
				fmt.Println("\nSettings file:")
				if len(live) == 0 {
					fmt.Println("  (no managed keys set)")
				}
				keys := make([]string, 0, len(live))
				for key := range live {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Printf("  %-32s %s\n", key, live[key])
				}
				return nil
			})
		},
	}
}

// showCmd shows one profile
func showCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				section, err := svc.GetConfig(args[0], reveal)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(section)
				}
				printSection(section)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the auth token unmasked")

	return cmd
}

func printSection(s *models.ConfigSection) {
	fmt.Printf("Name:             %s\n", s.Name)
	row := func(label, value string) {
		if value != "" {
			fmt.Printf("%-17s %s\n", label+":", value)
		}
	}
	row("Description", s.Description)
	row("Base URL", s.BaseURL)
	row("Auth token", s.AuthToken)
	row("Model", s.Model)
	row("Small/fast model", s.SmallFastModel)
	row("Provider", s.Provider)
	row("Provider type", s.ProviderType)
	row("Account", s.Account)
	row("Tags", strings.Join(s.Tags, ", "))
	fmt.Printf("Enabled:          %v\n", s.Enabled)
	fmt.Printf("Uses:             %d\n", s.UsageCount)
}

// sectionFlags binds the editable section fields to a command.
type sectionFlags struct {
	description    string
	baseURL        string
	authToken      string
	model          string
	smallFastModel string
	provider       string
	providerType   string
	account        string
	tags           []string
	disabled       bool
}

func (f *sectionFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.description, "description", "", "Free-form description")
	fl.StringVar(&f.baseURL, "base-url", "", "API endpoint (http or https URL)")
	fl.StringVar(&f.authToken, "auth-token", "", "API credential")
	fl.StringVar(&f.model, "model", "", "Primary model")
	fl.StringVar(&f.smallFastModel, "small-fast-model", "", "Small/fast model")
	fl.StringVar(&f.provider, "provider", "", "Provider name")
	fl.StringVar(&f.providerType, "provider-type", "", "Provider type, used to group profiles by platform")
	fl.StringVar(&f.account, "account", "", "Account label")
	fl.StringSliceVar(&f.tags, "tags", nil, "Comma-separated tags")
	fl.BoolVar(&f.disabled, "disabled", false, "Mark the profile disabled")
}

// apply copies the flags the user set onto s.
func (f *sectionFlags) apply(cmd *cobra.Command, s *models.ConfigSection) {
	changed := cmd.Flags().Changed
	set := func(flag string, dst *string, v string) {
		if changed(flag) {
			*dst = v
		}
	}
	set("description", &s.Description, f.description)
	set("base-url", &s.BaseURL, f.baseURL)
	set("auth-token", &s.AuthToken, f.authToken)
	set("model", &s.Model, f.model)
	set("small-fast-model", &s.SmallFastModel, f.smallFastModel)
	set("provider", &s.Provider, f.provider)
	set("provider-type", &s.ProviderType, f.providerType)
	set("account", &s.Account, f.account)
	if changed("tags") {
		s.Tags = f.tags
	}
	if changed("disabled") {
		s.Enabled = !f.disabled
	}
}

// addCmd adds a profile
func addCmd() *cobra.Command {
	var flags sectionFlags

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a profile",
		Long: `Add a named provider profile.

The first profile added becomes both current and default.

Examples:
  ccs add work --base-url https://api.anthropic.com --auth-token sk-ant-...
  ccs add kimi --base-url https://api.moonshot.cn/anthropic --auth-token ... --provider-type kimi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			section := models.NewSection(args[0])
			flags.apply(cmd, section)
			return withService(func(ctx context.Context, svc *service.Service) error {
				if err := svc.AddConfig(ctx, section); err != nil {
					return err
				}
				fmt.Printf("✓ Added profile %s\n", section.Name)
				return nil
			})
		},
	}

	flags.bind(cmd)

	return cmd
}

// updateCmd edits a profile
func updateCmd() *cobra.Command {
	var flags sectionFlags

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update fields of a profile",
		Long: `Update the given fields of a profile; fields not passed keep their value.
If the profile is current, the settings file is updated too.

Examples:
  ccs update work --model claude-opus-4
  ccs update work --tags ""`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				section, err := svc.GetConfig(args[0], true)
				if err != nil {
					return err
				}
				flags.apply(cmd, section)

				res, err := svc.UpdateConfig(ctx, args[0], section)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				if len(res.Changes) == 0 {
					fmt.Printf("Profile %s unchanged\n", section.Name)
					return nil
				}
				fmt.Printf("✓ Updated profile %s\n", section.Name)
				printChanges(res.Changes)
				if res.Settings != nil {
					fmt.Println("✓ Settings file updated")
				}
				return nil
			})
		},
	}

	flags.bind(cmd)

	return cmd
}

// removeCmd deletes a profile
func removeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <name>",
		Short:   "Remove a profile",
		Aliases: []string{"rm", "delete"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				if !yes {
					settings, err := svc.GlobalSettings()
					if err != nil {
						return err
					}
					if !settings.SkipConfirm && !confirmAction(fmt.Sprintf("Remove profile %s?", args[0])) {
						fmt.Println("Aborted")
						return nil
					}
				}
				if err := svc.DeleteConfig(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("✓ Removed profile %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

// switchCmd makes a profile current
func switchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "switch <name>",
		Short:   "Switch to a profile and write it into the settings file",
		Aliases: []string{"use"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service.Service) error {
				res, err := svc.SwitchConfig(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				if res.Previous == res.Current {
					fmt.Printf("✓ Re-applied %s\n", res.Current)
				} else {
					fmt.Printf("✓ Switched %s → %s\n", displayName(res.Previous), res.Current)
				}
				printChanges(res.Settings.Changes)
				if res.Settings.Backup != nil {
					fmt.Printf("  backup: %s\n", res.Settings.Backup.Filename)
				}
				return nil
			})
		},
	}
}

func displayName(name string) string {
	if name == "" {
		return "(none)"
	}
	return name
}

func printChanges(changes []models.Change) {
	for _, c := range changes {
		switch {
		case c.Old == nil && c.New != nil:
			fmt.Printf("  + %s = %s\n", c.Key, *c.New)
		case c.Old != nil && c.New == nil:
			fmt.Printf("  - %s\n", c.Key)
		case c.Old != nil && c.New != nil:
			fmt.Printf("  ~ %s: %s → %s\n", c.Key, *c.Old, *c.New)
		}
	}
}
