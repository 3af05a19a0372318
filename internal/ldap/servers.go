package ldap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// Default LDAP ports.
const (
	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636
)

// SplitServers splits a server list on commas and whitespace, dropping empty entries.
func SplitServers(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// ParseServers parses a server list such as "dc1:1636,dc2:1636" into ServerInfo values.
// Entries may be separated by commas or whitespace. Ports default by scheme when omitted.
func ParseServers(list string, useTLS bool) ([]*ServerInfo, error) {
	fields := SplitServers(list)

	if len(fields) == 0 {
		return nil, fmt.Errorf("server list cannot be empty")
	}

	servers := make([]*ServerInfo, 0, len(fields))
	for _, field := range fields {
		server, err := ParseServer(field, useTLS)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// ParseServer parses a single "host:port" or "host" value.
func ParseServer(hostPort string, useTLS bool) (*ServerInfo, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	if strings.Contains(hostPort, "://") {
		return ParseLDAPURL(hostPort)
	}

	server := &ServerInfo{
		Host:   hostPort,
		Port:   defaultPort(useTLS),
		UseTLS: useTLS,
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err == nil {
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Host = host
		server.Port = port
	}

	return server, ValidateServerInfo(server)
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	return nil
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseLDAPURL parses an LDAP URL into ServerInfo.
func ParseLDAPURL(url string) (*ServerInfo, error) {
	if url == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	var useTLS bool

	if strings.HasPrefix(url, "ldaps://") {
		useTLS = true
		url = strings.TrimPrefix(url, "ldaps://")
	} else if strings.HasPrefix(url, "ldap://") {
		useTLS = false
		url = strings.TrimPrefix(url, "ldap://")
	} else {
		return nil, fmt.Errorf("unsupported scheme, must be ldap:// or ldaps://")
	}

	// Drop any DN or query part after the authority
	if idx := strings.Index(url, "/"); idx >= 0 {
		url = url[:idx]
	}

	server, err := ParseServer(url, useTLS)
	if err != nil {
		return nil, err
	}
	server.UseTLS = useTLS

	return server, nil
}

func defaultPort(useTLS bool) int {
	if useTLS {
		return DefaultLDAPSPort
	}
	return DefaultLDAPPort
}
