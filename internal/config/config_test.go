package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/secrets"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	v.Set("ldap.servers", "localhost:1636")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.True(t, cfg.LDAP.UseSSL)
	assert.Equal(t, 10, cfg.LDAP.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.LDAP.ConnectTimeout)
	assert.Equal(t, 5*time.Minute, cfg.LDAP.MaxIdleTime)
	assert.Equal(t, time.Minute, cfg.LDAP.HealthCheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Reload.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Reload.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Reload.RetireGrace)
	assert.Equal(t, secrets.ProviderPlaintext, cfg.Secrets.Provider)
	assert.Equal(t, "transit", cfg.Secrets.Vault.MountPath)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":9464", cfg.HTTP.Listen)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name     string
		values   map[string]any
		contains string
	}{
		{
			name:     "missing servers",
			values:   map[string]any{},
			contains: "Servers",
		},
		{
			name:     "too many connections",
			values:   map[string]any{"ldap.servers": "localhost", "ldap.max_connections": 500},
			contains: "MaxConnections",
		},
		{
			name:     "zero interval",
			values:   map[string]any{"ldap.servers": "localhost", "reload.interval": "0s"},
			contains: "Interval",
		},
		{
			name:     "unknown secrets provider",
			values:   map[string]any{"ldap.servers": "localhost", "secrets.provider": "kms"},
			contains: "Provider",
		},
		{
			name:     "vault without key",
			values:   map[string]any{"ldap.servers": "localhost", "secrets.provider": "vault"},
			contains: "KeyName",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.values {
				v.Set(k, val)
			}

			_, err := Load(v)
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestNewViper_EnvAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "authsourced.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
ldap:
  servers: ldap1.example.com:1636,ldap2.example.com:1636
  bind_dn: cn=directory manager
  bind_password: vault:v1:abc
  max_connections: 4
  properties:
    maxIdleTime: 2m
appliance:
  base_dn: ou=appliances,o=gluu
  inum: "@!1111"
secrets:
  provider: vault
  vault:
    address: https://vault.example.com:8200
    key_name: authsourced
`), 0o600))

	t.Setenv("AUTHSOURCED_LDAP_MAX_CONNECTIONS", "6")
	t.Setenv("AUTHSOURCED_RELOAD_INTERVAL", "45s")

	v, err := NewViper(file)
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "cn=directory manager", cfg.LDAP.BindDN)
	assert.Equal(t, 6, cfg.LDAP.MaxConnections, "environment overrides file")
	assert.Equal(t, 45*time.Second, cfg.Reload.Interval)
	assert.Equal(t, "@!1111", cfg.Appliance.Inum)
	assert.True(t, cfg.Secrets.Vault.Enabled)

	sc := cfg.SecretsConfig()
	assert.Equal(t, secrets.ProviderVault, sc.Provider)
	require.NotNil(t, sc.Vault)
	assert.Equal(t, "authsourced", sc.Vault.KeyName)
	assert.Equal(t, "transit", sc.Vault.MountPath)

	props := cfg.ConnectionProperties()
	assert.Equal(t, "ldap1.example.com:1636,ldap2.example.com:1636", props.Get(ldap.PropServers))
	assert.Equal(t, "vault:v1:abc", props.Get(ldap.PropBindPassword))
	assert.Equal(t, "6", props.Get(ldap.PropMaxConnections))
	assert.Equal(t, "true", props.Get(ldap.PropUseSSL))
	assert.Equal(t, "5m0s", props.Get(ldap.PropMaxIdleTime), "typed fields win over extra properties")
}

func TestNewViper_MissingFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConfig_ConnectionProperties(t *testing.T) {
	v := viper.New()
	v.Set("ldap.servers", "localhost:1389")
	v.Set("ldap.use_ssl", false)

	cfg, err := Load(v)
	require.NoError(t, err)

	props := cfg.ConnectionProperties()
	_, ok := props.Lookup(ldap.PropBindDN)
	assert.False(t, ok)

	config, err := props.ToConnectionConfig()
	require.NoError(t, err)
	assert.True(t, config.IsAnonymous())
	assert.Equal(t, time.Minute, config.HealthCheck)
	assert.Equal(t, 1389, config.Servers[0].Port)

	assert.Nil(t, cfg.SecretsConfig().Vault)
}
