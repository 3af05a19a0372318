package ldap

import (
	"crypto/tls"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Connection property keys. Lookups are case-insensitive.
const (
	PropServers             = "servers"
	PropBindDN              = "bindDN"
	PropBindPassword        = "bindPassword"
	PropUseSSL              = "useSSL"
	PropMaxConnections      = "maxconnections"
	PropConnectTimeout      = "connectTimeout"
	PropMaxIdleTime         = "maxIdleTime"
	PropHealthCheckInterval = "healthCheckInterval"
	PropInsecureSkipVerify  = "insecureSkipVerify"
)

// ConnectionProperties is a flat, case-insensitive set of connection parameters.
// The bind password is held in its at-rest (encrypted) form until decrypted by a
// PropertiesDecrypter.
type ConnectionProperties map[string]string

// NewConnectionProperties builds properties from an arbitrary map, normalizing keys.
func NewConnectionProperties(values map[string]string) ConnectionProperties {
	props := make(ConnectionProperties, len(values))
	for k, v := range values {
		props.Set(k, v)
	}
	return props
}

// Get returns the value for key, or "" when unset.
func (p ConnectionProperties) Get(key string) string {
	return p[strings.ToLower(key)]
}

// Lookup returns the value for key and whether it was set.
func (p ConnectionProperties) Lookup(key string) (string, bool) {
	v, ok := p[strings.ToLower(key)]
	return v, ok
}

// Set stores value under key.
func (p ConnectionProperties) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

// Delete removes key.
func (p ConnectionProperties) Delete(key string) {
	delete(p, strings.ToLower(key))
}

// Clone returns an independent copy.
func (p ConnectionProperties) Clone() ConnectionProperties {
	return maps.Clone(p)
}

// WithoutCredentials returns a copy with the bind DN and bind password removed.
func (p ConnectionProperties) WithoutCredentials() ConnectionProperties {
	anon := p.Clone()
	anon.Delete(PropBindDN)
	anon.Delete(PropBindPassword)
	return anon
}

// ToConnectionConfig converts decrypted properties into a pool configuration.
// Unset optional keys keep the values from DefaultConfig.
func (p ConnectionProperties) ToConnectionConfig() (*ConnectionConfig, error) {
	config := DefaultConfig()

	useSSL, err := p.boolValue(PropUseSSL)
	if err != nil {
		return nil, err
	}

	servers, err := ParseServers(p.Get(PropServers), useSSL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s property: %w", PropServers, err)
	}
	config.Servers = servers

	if bindDN := strings.TrimSpace(p.Get(PropBindDN)); bindDN != "" {
		if err := ValidateDNSyntax(bindDN); err != nil {
			return nil, fmt.Errorf("invalid %s property: %w", PropBindDN, err)
		}
		config.BindDN = bindDN
		config.BindPassword = p.Get(PropBindPassword)
	}

	if v, ok := p.Lookup(PropMaxConnections); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid %s property %q: %w", PropMaxConnections, v, err)
		}
		config.MaxConnections = n
	}

	if config.Timeout, err = p.durationValue(PropConnectTimeout, config.Timeout); err != nil {
		return nil, err
	}
	if config.MaxIdleTime, err = p.durationValue(PropMaxIdleTime, config.MaxIdleTime); err != nil {
		return nil, err
	}
	if config.HealthCheck, err = p.durationValue(PropHealthCheckInterval, config.HealthCheck); err != nil {
		return nil, err
	}

	insecure, err := p.boolValue(PropInsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	if insecure {
		config.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // explicitly requested by configuration
		}
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (p ConnectionProperties) boolValue(key string) (bool, error) {
	v := strings.TrimSpace(p.Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s property %q: %w", key, v, err)
	}
	return b, nil
}

func (p ConnectionProperties) durationValue(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(p.Get(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s property %q: %w", key, v, err)
	}
	return d, nil
}

// LogFields returns the properties as log fields with secrets redacted.
func (p ConnectionProperties) LogFields() map[string]any {
	fields := make(map[string]any, len(p))
	for k, v := range p {
		fields[k] = v
	}
	return SanitizeFields(fields)
}
