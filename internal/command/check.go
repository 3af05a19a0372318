package command

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/isometry/authsourced/internal/app"
	"github.com/isometry/authsourced/internal/config"
	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/registry"
)

// sourceReport describes one loaded directory and its pools. Credentials are omitted.
type sourceReport struct {
	ConfigID     string   `json:"configId"`
	Servers      []string `json:"servers"`
	BindDN       string   `json:"bindDN,omitempty"`
	UseSSL       bool     `json:"useSSL"`
	Enabled      bool     `json:"enabled"`
	LookupStatus string   `json:"lookupStatus"`
	BindStatus   string   `json:"bindStatus"`
	BindAnon     bool     `json:"bindAnonymous"`
	Ping         string   `json:"ping,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type checkReport struct {
	Primary     sourceReport   `json:"primary"`
	AuthSources []sourceReport `json:"authSources"`
	SMTP        bool           `json:"smtpConfigured"`
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the auth sources once and print what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			initializer := app.New(cfg)
			defer initializer.Close()

			if err := initializer.Initialize(cmd.Context()); err != nil {
				return err
			}

			reg := initializer.Registry()
			report := buildReport(primaryReport(cfg), reg)
			if pair, ok := reg.Primary(); ok {
				report.Primary.Ping = ping(cmd.Context(), pair.Lookup)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	addConnectionFlags(cmd)

	return cmd
}

func primaryReport(cfg *config.Config) sourceReport {
	return sourceReport{
		ConfigID: "primary",
		Servers:  ldap.SplitServers(cfg.LDAP.Servers),
		BindDN:   cfg.LDAP.BindDN,
		UseSSL:   cfg.LDAP.UseSSL,
		Enabled:  true,
	}
}

// ping reads the root DSE through pool and returns "ok" or the failure.
func ping(ctx context.Context, pool *ldap.Pool) string {
	if err := ldap.NewClient(pool).Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}

func buildReport(primary sourceReport, reg *registry.Registry) checkReport {
	report := checkReport{
		AuthSources: []sourceReport{},
		SMTP:        reg.SMTP() != nil,
	}

	if pair, ok := reg.Primary(); ok {
		withPools(&primary, pair)
	}
	report.Primary = primary

	aux := reg.Auxiliary()
	for i := range aux.Len() {
		c := aux.Configs[i]
		r := sourceReport{
			ConfigID: c.ConfigID,
			Servers:  []string(c.Servers),
			BindDN:   c.BindDN,
			UseSSL:   c.UseSSL,
			Enabled:  c.Enabled,
		}
		withPools(&r, aux.Pools[i])
		report.AuthSources = append(report.AuthSources, r)
	}

	return report
}

func withPools(r *sourceReport, pair ldap.PoolPair) {
	r.LookupStatus = pair.Lookup.Status().String()
	r.BindStatus = pair.Bind.Status().String()
	r.BindAnon = pair.Bind.Anonymous()

	switch {
	case pair.Lookup.Err() != nil:
		r.Error = pair.Lookup.Err().Error()
	case pair.Bind.Err() != nil:
		r.Error = pair.Bind.Err().Error()
	}
}
