package authsource

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Descriptor types. Matching is case-insensitive.
const (
	TypeLDAP = "ldap"
	TypeAuth = "auth"
)

// Directory attributes read from the appliance entry.
const (
	AttrIDPAuthentication = "oxIDPAuthentication"
	AttrSMTPConfiguration = "oxSmtpConfiguration"
)

// Descriptor is one value of the appliance's oxIDPAuthentication attribute.
// Type "auth" carries its settings in Config; type "ldap" is the deprecated
// positional form carried in Fields.
type Descriptor struct {
	Type     string          `json:"type"`
	Name     string          `json:"name,omitempty"`
	Level    int             `json:"level,omitempty"`
	Priority int             `json:"priority,omitempty"`
	Version  int             `json:"version,omitempty"`
	Enabled  bool            `json:"enabled"`
	Config   json.RawMessage `json:"config,omitempty"`
	Fields   []Field         `json:"fields,omitempty"`
}

// Field is a named, multi-valued legacy descriptor field.
type Field struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// IsType reports whether the descriptor has type t, ignoring case and
// surrounding whitespace.
func (d *Descriptor) IsType(t string) bool {
	return typeMatches(d.Type, t)
}

func typeMatches(value, t string) bool {
	return strings.EqualFold(strings.TrimSpace(value), t)
}

// LdapAuthConfig is the normalized description of one auxiliary directory.
type LdapAuthConfig struct {
	ConfigID         string       `json:"configId"`
	Servers          PropertyList `json:"servers"`
	BindDN           string       `json:"bindDN,omitempty"`
	BindPassword     string       `json:"bindPassword,omitempty"`
	UseSSL           bool         `json:"useSSL"`
	MaxConnections   int          `json:"maxConnections"`
	Enabled          bool         `json:"enabled"`
	BaseDNs          PropertyList `json:"baseDNs,omitempty"`
	PrimaryKey       string       `json:"primaryKey,omitempty"`
	LocalPrimaryKey  string       `json:"localPrimaryKey,omitempty"`
	UseAnonymousBind bool         `json:"useAnonymousBind,omitempty"`
}

// PropertyList is an ordered list of strings that decodes from either
// ["a", "b"] or [{"value": "a"}, {"value": "b"}].
type PropertyList []string

func (l *PropertyList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == nil {
		*l = nil
		return nil
	}

	out := make(PropertyList, 0, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}

		var prop struct {
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(item, &prop); err != nil || prop.Value == nil {
			return fmt.Errorf("list item %d: expected a string or an object with a value member", i)
		}
		out = append(out, *prop.Value)
	}

	*l = out
	return nil
}
