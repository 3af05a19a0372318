package authsource

import "strings"

// Legacy positional field layout.
const (
	legacyFieldHost = iota
	legacyFieldPort
	legacyFieldBindDN
	legacyFieldBindPassword
	legacyFieldUseSSL
	legacyFieldCount
)

const (
	legacyConfigID       = "auth_ldap_server"
	legacyMaxConnections = 3
)

// mapLegacy maps a type "ldap" descriptor. Field i means Fields[i].Values[0].
//
// Deprecated: the positional format predates the "auth" config payload and is
// read only for existing deployments.
func mapLegacy(d *Descriptor) (*LdapAuthConfig, error) {
	if len(d.Fields) < legacyFieldCount {
		return nil, &MappingError{Index: -1, Type: d.Type, Reason: "legacy descriptor needs 5 fields"}
	}

	values := make([]string, legacyFieldCount)
	for i := range legacyFieldCount {
		if len(d.Fields[i].Values) == 0 {
			return nil, &MappingError{Index: -1, Type: d.Type, Reason: "legacy field " + d.Fields[i].Name + " has no value"}
		}
		values[i] = d.Fields[i].Values[0]
	}

	server := values[legacyFieldHost]
	if values[legacyFieldPort] != "" {
		server += ":" + values[legacyFieldPort]
	}

	return &LdapAuthConfig{
		ConfigID:       legacyConfigID,
		Servers:        PropertyList{server},
		BindDN:         values[legacyFieldBindDN],
		BindPassword:   values[legacyFieldBindPassword],
		UseSSL:         strings.EqualFold(strings.TrimSpace(values[legacyFieldUseSSL]), "true"),
		MaxConnections: legacyMaxConnections,
		Enabled:        d.Enabled,
	}, nil
}
