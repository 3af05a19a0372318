// Package logging sets up the tflog root logger and the per-package subsystems.
package logging

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// Log level environment variables. AUTHSOURCED_LOG sets the root level and
// AUTHSOURCED_LOG_<SUBSYSTEM> overrides it per subsystem.
const (
	EnvLogLevel = "AUTHSOURCED_LOG"
	LogName     = "authsourced"
)

// Subsystems used across the daemon.
var Subsystems = []string{"app", "ldap", "authsource", "reload", "secrets"}

// maskedFields are redacted in every subsystem.
var maskedFields = []string{
	"password",
	"bind_password",
	"bindpassword",
	"token",
	"ciphertext",
}

// NewRootLogger installs the root logger on ctx.
func NewRootLogger(ctx context.Context) context.Context {
	return tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(LogName),
		tfsdklog.WithLevelFromEnv(EnvLogLevel),
		tfsdklog.WithoutLocation(),
	)
}

// InitializeLogging registers every subsystem on ctx.
func InitializeLogging(ctx context.Context) context.Context {
	ctx = tflog.MaskFieldValuesWithFieldKeys(ctx, maskedFields...)

	for _, subsystem := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv(EnvLogLevel, strings.ToUpper(subsystem)))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, subsystem, maskedFields...)
	}

	return ctx
}
