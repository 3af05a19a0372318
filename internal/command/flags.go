package command

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"servers":              "ldap.servers",
	"bind-dn":              "ldap.bind_dn",
	"use-ssl":              "ldap.use_ssl",
	"max-connections":      "ldap.max_connections",
	"insecure-skip-verify": "ldap.insecure_skip_verify",
	"appliance-base-dn":    "appliance.base_dn",
	"appliance-inum":       "appliance.inum",
	"initial-delay":        "reload.initial_delay",
	"reload-interval":      "reload.interval",
	"retire-grace":         "reload.retire_grace",
	"secrets-provider":     "secrets.provider",
	"listen":               "http.listen",
}

// FlagLoader copies explicitly set flags over file and environment values.
// Flags left at their default never override viper's env > file > default order.
type FlagLoader struct {
	cmd *cobra.Command
}

// NewFlagLoader creates a FlagLoader for the given command.
func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

// Apply sets every changed flag on v under its configuration key.
func (f *FlagLoader) Apply(v *viper.Viper) {
	for name, key := range flagKeys {
		flag := f.cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}

		switch flag.Value.Type() {
		case "bool":
			val, _ := f.cmd.Flags().GetBool(name)
			v.Set(key, val)
		case "int":
			val, _ := f.cmd.Flags().GetInt(name)
			v.Set(key, val)
		case "duration":
			val, _ := f.cmd.Flags().GetDuration(name)
			v.Set(key, val)
		default:
			val, _ := f.cmd.Flags().GetString(name)
			v.Set(key, val)
		}
	}
}

// addConnectionFlags registers the flags shared by serve and check.
func addConnectionFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("servers", "", "Primary directory servers, comma separated host:port")
	flags.String("bind-dn", "", "Primary directory bind DN (password from file or AUTHSOURCED_LDAP_BIND_PASSWORD)")
	flags.Bool("use-ssl", true, "Use LDAPS for the primary directory")
	flags.Int("max-connections", 10, "Maximum connections per pool")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification")
	flags.String("appliance-base-dn", "", "Base DN of the appliance entries")
	flags.String("appliance-inum", "", "Inum of this appliance")
	flags.String("secrets-provider", "plaintext", "Secrets provider: plaintext or vault")
}
