// Package command implements the authsourced command line.
package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/authsourced/internal/config"
	"github.com/isometry/authsourced/internal/logging"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "authsourced",
		Short: "Directory connection pools and auth source reloading",
		Long: `authsourced connects to the primary directory, loads the auxiliary
authentication sources configured on the appliance entry and keeps their
connection pools current by reloading them periodically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = logging.NewRootLogger(ctx)
			ctx = logging.InitializeLogging(ctx)
			cmd.SetContext(ctx)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "Configuration file (YAML, TOML or JSON)")

	root.AddCommand(newServeCommand(), newCheckCommand(), newVersionCommand())

	root.Version = Version
	root.SetVersionTemplate("authsourced {{.Version}}\n")

	return root
}

// Execute runs the root command until it returns or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("Error:", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for cmd from file, environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")

	v, err := config.NewViper(file)
	if err != nil {
		return nil, err
	}
	NewFlagLoader(cmd).Apply(v)

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	tflog.SubsystemDebug(cmd.Context(), "app", "Configuration loaded", map[string]any{
		"config_file": file,
		"servers":     cfg.LDAP.Servers,
		"appliance":   cfg.Appliance.Inum,
		"secrets":     cfg.Secrets.Provider,
	})
	return cfg, nil
}
