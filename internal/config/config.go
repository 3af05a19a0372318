// Package config loads the daemon configuration from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/secrets"
)

// EnvPrefix prefixes every environment variable, e.g. AUTHSOURCED_LDAP_SERVERS.
const EnvPrefix = "AUTHSOURCED"

// Config is the complete daemon configuration.
type Config struct {
	LDAP      LDAPConfig      `mapstructure:"ldap"`
	Appliance ApplianceConfig `mapstructure:"appliance"`
	Reload    ReloadConfig    `mapstructure:"reload"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// LDAPConfig describes the primary directory. Its values are the base
// connection properties every auth source starts from.
type LDAPConfig struct {
	Servers             string            `mapstructure:"servers" validate:"required"`
	BindDN              string            `mapstructure:"bind_dn"`
	BindPassword        string            `mapstructure:"bind_password"`
	UseSSL              bool              `mapstructure:"use_ssl" default:"true"`
	MaxConnections      int               `mapstructure:"max_connections" default:"10" validate:"min=1,max=100"`
	ConnectTimeout      time.Duration     `mapstructure:"connect_timeout" default:"30s" validate:"gt=0"`
	MaxIdleTime         time.Duration     `mapstructure:"max_idle_time" default:"5m" validate:"gt=0"`
	HealthCheckInterval time.Duration     `mapstructure:"health_check_interval" default:"1m" validate:"gte=0"`
	InsecureSkipVerify  bool              `mapstructure:"insecure_skip_verify"`
	Properties          map[string]string `mapstructure:"properties"`
}

// ApplianceConfig locates the appliance entry. Leaving either value empty
// disables auxiliary auth sources.
type ApplianceConfig struct {
	BaseDN string `mapstructure:"base_dn"`
	Inum   string `mapstructure:"inum"`
}

// ReloadConfig controls the auth source reload schedule.
type ReloadConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" default:"60s" validate:"gte=0"`
	Interval     time.Duration `mapstructure:"interval" default:"30s" validate:"gt=0"`
	RetireGrace  time.Duration `mapstructure:"retire_grace" default:"5m" validate:"gte=0"`
}

// SecretsConfig selects how at-rest secrets are decrypted.
type SecretsConfig struct {
	Provider string      `mapstructure:"provider" default:"plaintext" validate:"oneof=plaintext vault"`
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig configures Vault Transit decryption.
type VaultConfig struct {
	Address     string `mapstructure:"address"`
	Token       string `mapstructure:"token"`
	Namespace   string `mapstructure:"namespace"`
	MountPath   string `mapstructure:"mount_path" default:"transit"`
	KeyName     string `mapstructure:"key_name" validate:"required_if=Enabled true"`
	TLSInsecure bool   `mapstructure:"tls_insecure"`
	TLSCACert   string `mapstructure:"tls_ca_cert"`

	// Enabled is derived from SecretsConfig.Provider.
	Enabled bool `mapstructure:"-"`
}

// HTTPConfig configures the metrics and health listener.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"true"`
	Listen  string `mapstructure:"listen" default:":9464" validate:"required_if=Enabled true"`
}

// ConfigurationError reports configuration that prevents startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// keys lists every configuration key so that environment variables are seen
// by Unmarshal even when no file sets them.
var keys = []string{
	"ldap.servers",
	"ldap.bind_dn",
	"ldap.bind_password",
	"ldap.use_ssl",
	"ldap.max_connections",
	"ldap.connect_timeout",
	"ldap.max_idle_time",
	"ldap.health_check_interval",
	"ldap.insecure_skip_verify",
	"appliance.base_dn",
	"appliance.inum",
	"reload.initial_delay",
	"reload.interval",
	"reload.retire_grace",
	"secrets.provider",
	"secrets.vault.address",
	"secrets.vault.token",
	"secrets.vault.namespace",
	"secrets.vault.mount_path",
	"secrets.vault.key_name",
	"secrets.vault.tls_insecure",
	"secrets.vault.tls_ca_cert",
	"http.enabled",
	"http.listen",
}

// NewViper returns a viper instance reading AUTHSOURCED_* environment variables
// and, when file is non-empty, the given configuration file.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigurationError{Reason: "failed to read " + file, Err: err}
		}
	}

	return v, nil
}

// Load applies defaults, then the values known to v, then validates.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if v != nil {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, &ConfigurationError{Reason: "failed to decode configuration", Err: err}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	c.Secrets.Vault.Enabled = strings.EqualFold(c.Secrets.Provider, secrets.ProviderVault)
	c.Secrets.Provider = strings.ToLower(c.Secrets.Provider)

	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return &ConfigurationError{Reason: strings.Join(msgs, "; "), Err: err}
		}
		return &ConfigurationError{Reason: "invalid configuration", Err: err}
	}
	return nil
}

// ConnectionProperties returns the primary directory's connection properties.
// Extra properties are applied first so the typed fields win.
func (c *Config) ConnectionProperties() ldap.ConnectionProperties {
	props := ldap.NewConnectionProperties(c.LDAP.Properties)

	props.Set(ldap.PropServers, c.LDAP.Servers)
	if c.LDAP.BindDN != "" {
		props.Set(ldap.PropBindDN, c.LDAP.BindDN)
		props.Set(ldap.PropBindPassword, c.LDAP.BindPassword)
	}
	props.Set(ldap.PropUseSSL, strconv.FormatBool(c.LDAP.UseSSL))
	props.Set(ldap.PropMaxConnections, strconv.Itoa(c.LDAP.MaxConnections))
	props.Set(ldap.PropConnectTimeout, c.LDAP.ConnectTimeout.String())
	props.Set(ldap.PropMaxIdleTime, c.LDAP.MaxIdleTime.String())
	props.Set(ldap.PropHealthCheckInterval, c.LDAP.HealthCheckInterval.String())
	props.Set(ldap.PropInsecureSkipVerify, strconv.FormatBool(c.LDAP.InsecureSkipVerify))

	return props
}

// SecretsConfig returns the decrypter configuration.
func (c *Config) SecretsConfig() secrets.Config {
	cfg := secrets.Config{Provider: c.Secrets.Provider}
	if strings.EqualFold(c.Secrets.Provider, secrets.ProviderVault) {
		cfg.Vault = &secrets.VaultConfig{
			Address:     c.Secrets.Vault.Address,
			Token:       c.Secrets.Vault.Token,
			Namespace:   c.Secrets.Vault.Namespace,
			MountPath:   c.Secrets.Vault.MountPath,
			KeyName:     c.Secrets.Vault.KeyName,
			TLSInsecure: c.Secrets.Vault.TLSInsecure,
			TLSCACert:   c.Secrets.Vault.TLSCACert,
		}
	}
	return cfg
}
