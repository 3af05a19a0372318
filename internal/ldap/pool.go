package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	MaxConnectionPoolLimit = 100

	// maxAuthAge bounds how long a bound connection is trusted before rebinding.
	maxAuthAge = 5 * time.Minute
)

// dialFunc opens a raw connection to a server. Replaced in tests.
type dialFunc func(server *ServerInfo, config *ConnectionConfig) (*ldap.Conn, error)

// connectionPool implements ConnectionPool interface.
type connectionPool struct {
	ctx         context.Context // Logging context with LDAP subsystem
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	dial        dialFunc

	// Statistics
	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

// NewConnectionPool creates a new connection pool and establishes its initial
// connections. The returned error wraps the directory's bind result when the
// server rejects the configured credentials, so callers can inspect the code
// with ResultCodeOf.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	pool, err := newConnectionPool(ctx, config, dialServer)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func newConnectionPool(ctx context.Context, config *ConnectionConfig, dial dialFunc) (*connectionPool, error) {
	start := time.Now()
	tflog.SubsystemDebug(ctx, "ldap", "Creating new connection pool")

	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if len(config.Servers) == 0 {
		return nil, errors.New("at least one server must be specified")
	}

	pool := &connectionPool{
		ctx:         ctx, // Store context for logging
		config:      config,
		servers:     config.Servers,
		connections: make(chan *PooledConnection, config.MaxConnections),
		dial:        dial,
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}

	if err := pool.prefill(ctx); err != nil {
		pool.Close()
		tflog.SubsystemDebug(ctx, "ldap", "Connection pool creation failed", map[string]any{
			"duration": time.Since(start).String(),
			"error":    err.Error(),
		})
		return nil, err
	}

	// Start health checking if enabled
	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	tflog.SubsystemDebug(ctx, "ldap", "Connection pool created", map[string]any{
		"duration":            time.Since(start).String(),
		"server_count":        len(pool.servers),
		"initial_connections": config.InitialConnections,
		"anonymous":           config.IsAnonymous(),
	})
	return pool, nil
}

// prefill establishes the initial connections. The first failure aborts creation.
func (p *connectionPool) prefill(ctx context.Context) error {
	for range p.config.InitialConnections {
		conn, err := p.createConnection(ctx)
		if err != nil {
			return err
		}
		atomic.AddInt64(&p.activeConns, -1)
		p.connections <- conn
	}
	return nil
}

// Get retrieves a connection from the pool.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	// Try to get an existing connection from the pool
	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			// Check if authentication is still valid or if we need to re-authenticate
			if p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(conn); err != nil {
					// Re-authentication failed, close connection and create new one
					p.closeConnection(conn)
					break
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}
		// Connection is unhealthy, close it and create a new one
		p.closeConnection(conn)
	default:
		// No connections available, create a new one
	}

	// Create a new connection with retry logic
	return p.createConnection(ctx)
}

// createConnection creates a new connection with retry logic. Bind rejections
// are final and returned without retrying.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range p.servers {
			conn, err := p.createSingleConnection(ctx, server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				if isBindRejection(err) {
					return nil, err
				}
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}

		// All servers failed, wait before retrying
		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// createSingleConnection creates a connection to a specific server.
func (p *connectionPool) createSingleConnection(_ context.Context, server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)

	conn, err := p.dial(server, p.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	pooledConn := &PooledConnection{
		conn:         conn,
		lastUsed:     time.Now(),
		healthy:      true,
		serverInfo:   server,
		returnToPool: p.returnConnection,
	}

	// Bind immediately so the pool learns whether the server accepts the credentials
	if err := p.authenticateConnection(pooledConn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind connection to %s: %w", url, err)
	}

	return pooledConn, nil
}

// dialServer opens an LDAP or LDAPS connection.
func dialServer(server *ServerInfo, config *ConnectionConfig) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: config.Timeout})}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfigFor(server, config)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, err
	}

	conn.SetTimeout(config.Timeout)
	return conn, nil
}

func tlsConfigFor(server *ServerInfo, config *ConnectionConfig) *tls.Config {
	tlsConfig := config.TLSConfig.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = server.Host
	}
	return tlsConfig
}

// authenticateConnection binds a pooled connection. Anonymous configurations
// send a simple bind with an empty name and password.
func (p *connectionPool) authenticateConnection(pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	var err error
	if p.config.IsAnonymous() {
		err = pooledConn.conn.UnauthenticatedBind("")
	} else {
		err = pooledConn.conn.Bind(p.config.BindDN, p.config.BindPassword)
	}

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		return err
	}

	// Mark connection as authenticated
	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

// needsReAuthentication determines if a connection needs to be re-authenticated.
func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil {
		return true
	}

	if !conn.authenticated {
		return true
	}

	return time.Since(conn.authTime) > maxAuthAge
}

// returnConnection returns a connection to the pool.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(conn)
		return
	}

	// Check if connection is still healthy and not too old
	if p.isConnectionHealthy(conn) && time.Since(conn.lastUsed) < p.config.MaxIdleTime {
		select {
		case p.connections <- conn:
			// Successfully returned to pool
		default:
			// Pool is full, close the connection
			p.closeConnection(conn)
		}
	} else {
		p.closeConnection(conn)
	}
}

// isConnectionHealthy checks if a connection is healthy.
func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}

	if conn.conn.IsClosing() {
		return false
	}

	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	return conn.authenticated
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// The health checker returns connections under the read lock
	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Total:   len(p.connections) + int(atomic.LoadInt64(&p.activeConns)),
		Active:  atomic.LoadInt64(&p.activeConns),
		Idle:    len(p.connections),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// HealthCheck verifies that a connection can be obtained and answers a root DSE read.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return errors.New("pool is closed")
	}

	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !p.testConnection(ctx, conn) {
		conn.healthy = false
		return errors.New("health check search failed")
	}
	return nil
}

// startHealthChecker starts the periodic health checker.
func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck performs periodic health checks.
func (p *connectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	var toCheck []*PooledConnection

	// Get up to 3 connections for health checking
healthCheckLoop:
	for range 3 {
		select {
		case conn := <-p.connections:
			toCheck = append(toCheck, conn)
		default:
			break healthCheckLoop
		}
	}

	for _, conn := range toCheck {
		if p.testConnection(ctx, conn) {
			atomic.AddInt64(&p.activeConns, 1)
			p.returnConnection(conn)
		} else {
			p.closeConnection(conn)
		}
	}
}

// testConnection tests if a connection is working and properly authenticated.
func (p *connectionPool) testConnection(_ context.Context, conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	if p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(conn); err != nil {
			return false
		}
	}

	searchReq := ldap.NewSearchRequest(
		"", // Empty base DN for root DSE
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	)

	if _, err := conn.conn.Search(searchReq); err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}

	return true
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.InitialConnections < 0 || config.InitialConnections > config.MaxConnections {
		return errors.New("InitialConnections must be between 0 and MaxConnections")
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.HealthCheck < 0 {
		return errors.New("HealthCheck cannot be negative")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}

// Methods for PooledConnection.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy
}

func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}
