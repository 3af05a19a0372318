package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogPerformance logs performance metrics for an operation.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["duration_ms"] = duration.Milliseconds()

	// Log performance warnings for slow operations
	if duration > 5*time.Second {
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", fields)
	} else if duration > 1*time.Second {
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation performance", fields)
	}
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(categoryOf(err))

	// Add LDAP-specific error information if available
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_created":
		tflog.SubsystemDebug(ctx, "ldap", "Pool event", fields)
	case "anonymous_bind_rejected":
		tflog.SubsystemWarn(ctx, "ldap", "Pool event", fields)
	case "pool_creation_failed", "secret_decryption_failed", "invalid_properties":
		tflog.SubsystemError(ctx, "ldap", "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, "ldap", "Pool event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if isSensitiveKey(k) {
			sanitized[k] = "[REDACTED]"
			continue
		}

		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range []string{"password", "passwd", "secret", "token", "credential", "private_key"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
