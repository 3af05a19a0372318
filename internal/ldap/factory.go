package ldap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// PoolStatus is the creation result of a Pool.
type PoolStatus int

const (
	PoolStatusOK PoolStatus = iota
	PoolStatusInappropriateAuthentication
	PoolStatusFailed
)

// String returns string representation of the pool status.
func (s PoolStatus) String() string {
	switch s {
	case PoolStatusOK:
		return "ok"
	case PoolStatusInappropriateAuthentication:
		return "inappropriate_authentication"
	case PoolStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrPoolUnavailable is returned by Pool.Get when the pool failed to initialize.
var ErrPoolUnavailable = errors.New("connection pool unavailable")

// Pool wraps a live connection pool together with the result of creating it.
// A failed Pool has no handle; its Err explains why.
type Pool struct {
	handle     ConnectionPool
	status     PoolStatus
	resultCode uint16
	err        error
	anonymous  bool
	createdAt  time.Time
}

// Status returns the creation result.
func (p *Pool) Status() PoolStatus {
	return p.status
}

// ResultCode returns the LDAP result code reported when creation failed, or 0.
func (p *Pool) ResultCode() uint16 {
	return p.resultCode
}

// Err returns the creation failure, or nil.
func (p *Pool) Err() error {
	return p.err
}

// OK reports whether the pool was created successfully.
func (p *Pool) OK() bool {
	return p != nil && p.status == PoolStatusOK && p.handle != nil
}

// Anonymous reports whether the pool's connections use an anonymous bind.
func (p *Pool) Anonymous() bool {
	return p.anonymous
}

// CreatedAt returns when the pool was built.
func (p *Pool) CreatedAt() time.Time {
	return p.createdAt
}

// Handle returns the underlying connection pool, nil when creation failed.
func (p *Pool) Handle() ConnectionPool {
	return p.handle
}

// Get checks out a connection. The caller must Close it to return it.
func (p *Pool) Get(ctx context.Context) (*PooledConnection, error) {
	if !p.OK() {
		if p != nil && p.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPoolUnavailable, p.err)
		}
		return nil, ErrPoolUnavailable
	}
	return p.handle.Get(ctx)
}

// HealthCheck verifies that the pool can serve a root DSE read.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if !p.OK() {
		_, err := p.Get(ctx)
		return err
	}
	return p.handle.HealthCheck(ctx)
}

// Stats returns the pool's connection statistics. A failed pool reports zeros.
func (p *Pool) Stats() PoolStats {
	if !p.OK() {
		return PoolStats{}
	}
	return p.handle.Stats()
}

// Close shuts down the underlying pool if one exists.
func (p *Pool) Close() error {
	if p == nil || p.handle == nil {
		return nil
	}
	return p.handle.Close()
}

// PoolPair is the lookup pool and the bind pool for one directory.
type PoolPair struct {
	Lookup *Pool
	Bind   *Pool
}

// OK reports whether both pools were created successfully.
func (pp PoolPair) OK() bool {
	return pp.Lookup.OK() && pp.Bind.OK()
}

// PropertiesDecrypter decrypts the secret-bearing entries of connection properties.
type PropertiesDecrypter interface {
	DecryptProperties(ctx context.Context, props ConnectionProperties) (ConnectionProperties, error)
}

// PoolConstructor builds a live pool from a validated configuration.
type PoolConstructor func(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error)

// Factory builds connection pools from connection properties.
type Factory struct {
	decrypter PropertiesDecrypter
	construct PoolConstructor
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithPoolConstructor overrides how live pools are built.
func WithPoolConstructor(construct PoolConstructor) FactoryOption {
	return func(f *Factory) {
		f.construct = construct
	}
}

// NewFactory creates a pool factory. decrypter may be nil when properties are stored in plaintext.
func NewFactory(decrypter PropertiesDecrypter, opts ...FactoryOption) *Factory {
	f := &Factory{
		decrypter: decrypter,
		construct: NewConnectionPool,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreatePool decrypts props and establishes a pool. It never returns an error;
// failures are reported through the returned Pool's status and logged.
func (f *Factory) CreatePool(ctx context.Context, props ConnectionProperties) *Pool {
	start := time.Now()
	pool := &Pool{createdAt: start}

	decrypted := props
	if f.decrypter != nil {
		var err error
		decrypted, err = f.decrypter.DecryptProperties(ctx, props)
		if err != nil {
			LogPoolEvent(ctx, "secret_decryption_failed", map[string]any{
				"error": err.Error(),
			})
			return pool.fail(fmt.Errorf("failed to decrypt connection properties: %w", err))
		}
	}

	config, err := decrypted.ToConnectionConfig()
	if err != nil {
		LogPoolEvent(ctx, "invalid_properties", map[string]any{
			"error":      err.Error(),
			"properties": props.LogFields(),
		})
		return pool.fail(fmt.Errorf("invalid connection properties: %w", err))
	}
	pool.anonymous = config.IsAnonymous()

	handle, err := f.construct(ctx, config)
	if err != nil {
		pool.fail(err)
		fields := map[string]any{
			"status":      pool.status.String(),
			"anonymous":   pool.anonymous,
			"servers":     decrypted.Get(PropServers),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if pool.resultCode > 0 {
			fields["ldap_result_code"] = pool.resultCode
		}
		LogLDAPError(ctx, "ldap", "create_pool", err, fields)
		return pool
	}

	pool.handle = handle
	pool.status = PoolStatusOK
	LogPoolEvent(ctx, "pool_created", map[string]any{
		"anonymous":       pool.anonymous,
		"servers":         decrypted.Get(PropServers),
		"max_connections": config.MaxConnections,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return pool
}

// CreateBindPool builds the pool used to verify subjects' own credentials.
// It first tries an anonymous pool; if the directory answers the anonymous bind
// with inappropriateAuthentication it retries exactly once with the
// credentialed properties. Any other outcome is returned as-is.
func (f *Factory) CreateBindPool(ctx context.Context, props ConnectionProperties) *Pool {
	pool := f.CreatePool(ctx, props.WithoutCredentials())
	if !IsInappropriateAuthentication(pool.Err()) {
		return pool
	}

	LogPoolEvent(ctx, "anonymous_bind_rejected", map[string]any{
		"servers": props.Get(PropServers),
		"message": "anonymous bind pool rejected, retrying with bind DN and password",
	})

	return f.CreatePool(ctx, props)
}

// CreatePoolPair builds the lookup pool and the bind pool for props.
func (f *Factory) CreatePoolPair(ctx context.Context, props ConnectionProperties) PoolPair {
	ctx = tflog.SubsystemSetField(ctx, "ldap", "servers", props.Get(PropServers))

	return PoolPair{
		Lookup: f.CreatePool(ctx, props),
		Bind:   f.CreateBindPool(ctx, props),
	}
}

// fail records err on the pool and classifies it.
func (p *Pool) fail(err error) *Pool {
	p.err = err
	p.status = PoolStatusFailed

	if code, ok := ResultCodeOf(err); ok {
		p.resultCode = code
	}
	if IsInappropriateAuthentication(err) {
		p.status = PoolStatusInappropriateAuthentication
	}

	return p
}
