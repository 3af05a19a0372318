package authsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SMTPConfiguration is the appliance's outbound mail configuration.
type SMTPConfiguration struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	RequiresSSL            bool   `json:"requiresSsl"`
	TrustHost              bool   `json:"trustHost"`
	FromName               string `json:"fromName"`
	FromEmailAddress       string `json:"fromEmailAddress"`
	RequiresAuthentication bool   `json:"requiresAuthentication"`
	UserName               string `json:"userName"`
	Password               string `json:"password"`

	// PasswordDecrypted is Password after decryption. It is never serialized.
	PasswordDecrypted string `json:"-"`
}

// LoadSMTPConfiguration reads the SMTP configuration from the appliance entry.
// It returns nil when none is configured. A password that cannot be decrypted
// is logged and leaves PasswordDecrypted empty.
func (l *Loader) LoadSMTPConfiguration(ctx context.Context) (*SMTPConfiguration, error) {
	values, err := l.readAppliance(ctx, AttrSMTPConfiguration)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 || values[0] == "" {
		return nil, nil
	}

	var smtp SMTPConfiguration
	if err := json.Unmarshal([]byte(values[0]), &smtp); err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", AttrSMTPConfiguration, err)
	}

	if smtp.Password != "" && l.decrypter != nil {
		plaintext, err := l.decrypter.Decrypt(ctx, smtp.Password)
		if err != nil {
			tflog.SubsystemError(ctx, "authsource", "Failed to decrypt SMTP user password", map[string]any{
				"error": err.Error(),
			})
		} else {
			smtp.PasswordDecrypted = plaintext
		}
	}

	return &smtp, nil
}
