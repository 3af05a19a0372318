package secrets

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// VaultConfig configures the Vault Transit decrypter.
type VaultConfig struct {
	Address     string
	Token       string
	Namespace   string
	MountPath   string
	KeyName     string
	TLSInsecure bool
	TLSCACert   string

	// SkipHealthCheck skips the sys/health probe on construction.
	SkipHealthCheck bool
}

// VaultTransit decrypts values with a HashiCorp Vault Transit key.
type VaultTransit struct {
	client    *vault.Client
	mountPath string
	keyName   string
}

// NewVaultTransit creates a Vault Transit decrypter and verifies the server is reachable.
func NewVaultTransit(ctx context.Context, cfg VaultConfig) (*VaultTransit, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "transit"
	}
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("vault transit key name is required")
	}

	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}

	if cfg.TLSInsecure {
		vaultCfg.HttpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // explicitly requested by configuration
		}
	} else if cfg.TLSCACert != "" {
		if err := vaultCfg.ConfigureTLS(&vault.TLSConfig{
			CACert: cfg.TLSCACert,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if !cfg.SkipHealthCheck {
		if _, err := client.Sys().HealthWithContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to Vault: %w", err)
		}
	}

	tflog.SubsystemDebug(ctx, "secrets", "Vault Transit decrypter ready", map[string]any{
		"address":    client.Address(),
		"mount_path": cfg.MountPath,
		"key_name":   cfg.KeyName,
	})

	return &VaultTransit{
		client:    client,
		mountPath: strings.Trim(cfg.MountPath, "/"),
		keyName:   cfg.KeyName,
	}, nil
}

func (v *VaultTransit) Name() string {
	return ProviderVault
}

// Decrypt decrypts a Transit ciphertext ("vault:v1:...").
func (v *VaultTransit) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/decrypt/"+v.keyName, map[string]any{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("%w: Vault Transit decrypt: %w", ErrDecryptFailed, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: Vault Transit decrypt: empty response", ErrDecryptFailed)
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("%w: Vault Transit decrypt: invalid response", ErrDecryptFailed)
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return "", fmt.Errorf("%w: Vault Transit decrypt: failed to decode plaintext: %w", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}
