// Package secrets decrypts values that are stored encrypted at rest, such as
// directory bind passwords.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/authsourced/internal/ldap"
)

// Provider names.
const (
	ProviderPlaintext = "plaintext"
	ProviderVault     = "vault"
)

var (
	ErrDecryptFailed       = errors.New("decryption failed")
	ErrUnsupportedProvider = errors.New("unsupported secrets provider")
)

// Decrypter turns an at-rest value back into its plaintext.
type Decrypter interface {
	// Name returns the provider name.
	Name() string

	// Decrypt decrypts a single value.
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Config selects and configures a Decrypter.
type Config struct {
	Provider string
	Vault    *VaultConfig
}

// New creates the Decrypter named by cfg.Provider. An empty provider means plaintext.
func New(ctx context.Context, cfg Config) (Decrypter, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderPlaintext:
		tflog.SubsystemWarn(ctx, "secrets", "Secrets are read in plaintext", map[string]any{
			"provider": ProviderPlaintext,
		})
		return Plaintext{}, nil
	case ProviderVault:
		if cfg.Vault == nil {
			return nil, errors.New("vault configuration required")
		}
		return NewVaultTransit(ctx, *cfg.Vault)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}

// Plaintext returns values unchanged.
type Plaintext struct{}

func (Plaintext) Name() string {
	return ProviderPlaintext
}

func (Plaintext) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return ciphertext, nil
}

// PropertiesDecrypter decrypts the secret-bearing keys of LDAP connection properties.
type PropertiesDecrypter struct {
	decrypter Decrypter
	keys      []string
}

var _ ldap.PropertiesDecrypter = (*PropertiesDecrypter)(nil)

// NewPropertiesDecrypter decrypts keys with d. With no keys given only the bind password is decrypted.
func NewPropertiesDecrypter(d Decrypter, keys ...string) *PropertiesDecrypter {
	if len(keys) == 0 {
		keys = []string{ldap.PropBindPassword}
	}
	return &PropertiesDecrypter{
		decrypter: d,
		keys:      keys,
	}
}

// DecryptProperties returns a copy of props with every configured key decrypted.
// Empty values are left alone.
func (p *PropertiesDecrypter) DecryptProperties(ctx context.Context, props ldap.ConnectionProperties) (ldap.ConnectionProperties, error) {
	out := props.Clone()

	for _, key := range p.keys {
		value, ok := out.Lookup(key)
		if !ok || value == "" {
			continue
		}

		plaintext, err := p.decrypter.Decrypt(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out.Set(key, plaintext)

		tflog.SubsystemTrace(ctx, "secrets", "Decrypted connection property", map[string]any{
			"key":      key,
			"provider": p.decrypter.Name(),
		})
	}

	return out, nil
}
