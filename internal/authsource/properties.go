package authsource

import (
	"strconv"
	"strings"

	"github.com/isometry/authsourced/internal/ldap"
)

// ConnectionProperties specializes a copy of base for cfg. Keys not set by cfg
// keep their base values. Credentials never carry over from base: a source
// without a bind DN, or with useAnonymousBind, binds anonymously.
// Health checking is disabled so pools dropped by a later reload own no goroutines.
func ConnectionProperties(base ldap.ConnectionProperties, cfg *LdapAuthConfig) ldap.ConnectionProperties {
	props := base.Clone()
	if props == nil {
		props = ldap.ConnectionProperties{}
	}
	if cfg == nil {
		return props
	}

	props.Set(ldap.PropServers, strings.Join(cfg.Servers, ","))

	switch {
	case cfg.UseAnonymousBind || cfg.BindDN == "":
		props.Delete(ldap.PropBindDN)
		props.Delete(ldap.PropBindPassword)
	default:
		props.Set(ldap.PropBindDN, cfg.BindDN)
		props.Set(ldap.PropBindPassword, cfg.BindPassword)
	}
	props.Set(ldap.PropUseSSL, strconv.FormatBool(cfg.UseSSL))

	if cfg.MaxConnections > 0 {
		props.Set(ldap.PropMaxConnections, strconv.Itoa(cfg.MaxConnections))
	}

	props.Set(ldap.PropHealthCheckInterval, "0s")

	return props
}
