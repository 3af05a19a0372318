package command

import (
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/authsourced/internal/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the directory and keep auth sources reloaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			initializer := app.New(cfg, app.WithRuntimeMetrics())
			defer func() {
				if err := initializer.Close(); err != nil {
					tflog.SubsystemWarn(ctx, "app", "Failed to close connection pools", map[string]any{
						"error": err.Error(),
					})
				}
			}()

			if err := initializer.Initialize(ctx); err != nil {
				return err
			}

			tflog.SubsystemInfo(ctx, "app", "Serving", map[string]any{
				"version":         Version,
				"listen":          cfg.HTTP.Listen,
				"reload_interval": cfg.Reload.Interval.String(),
			})

			start := time.Now()
			err = initializer.Run(ctx)
			tflog.SubsystemInfo(ctx, "app", "Stopped", map[string]any{
				"uptime": time.Since(start).Round(time.Second).String(),
			})
			return err
		},
	}

	addConnectionFlags(cmd)
	cmd.Flags().Duration("initial-delay", 60*time.Second, "Delay before the first background reload")
	cmd.Flags().Duration("reload-interval", 30*time.Second, "Interval between background reloads")
	cmd.Flags().Duration("retire-grace", 5*time.Minute, "How long pools replaced by a reload stay open")
	cmd.Flags().String("listen", ":9464", "Address for /metrics and /healthz")

	return cmd
}
