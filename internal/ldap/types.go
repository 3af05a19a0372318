package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	Servers []*ServerInfo // Ordered server list, tried in sequence
	Timeout time.Duration // Connection timeout

	// Authentication settings
	BindDN       string // Bind DN; empty means anonymous bind
	BindPassword string // Plaintext bind password

	// TLS settings
	TLSConfig *tls.Config // Custom TLS configuration

	// Pool settings
	MaxConnections     int           // Maximum connections in pool
	InitialConnections int           // Connections established at creation
	MaxIdleTime        time.Duration // Maximum idle time before connection cleanup
	HealthCheck        time.Duration // Health check interval, 0 disables

	// Retry settings
	MaxRetries     int           // Maximum retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Backoff multiplication factor
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:            30 * time.Second,
		MaxConnections:     10,
		InitialConnections: 1,
		MaxIdleTime:        5 * time.Minute,
		HealthCheck:        0,
		MaxRetries:         2,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		BackoffFactor:      2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Certificate validation enabled by default
			InsecureSkipVerify: false,
		},
	}
}

// IsAnonymous reports whether connections bind without credentials.
func (c *ConnectionConfig) IsAnonymous() bool {
	return c.BindDN == ""
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// ConnectionPool manages a pool of LDAP connections.
type ConnectionPool interface {
	// Get retrieves a connection from the pool
	Get(ctx context.Context) (*PooledConnection, error)

	// Close closes all connections and shuts down the pool
	Close() error

	// Stats returns pool statistics
	Stats() PoolStats

	// HealthCheck performs health checks on all connections
	HealthCheck(ctx context.Context) error
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Total   int           // Total connections
	Active  int64         // Active (in-use) connections
	Idle    int           // Idle connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
